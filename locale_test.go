package main

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDetectSystemLocale(t *testing.T) {
	tests := []struct {
		name  string
		lang  string
		lcAll string
		want  string
	}{
		{"lang with encoding", "zh_CN.UTF-8", "", "zh_CN"},
		{"plain lang", "en_US", "", "en_US"},
		{"C locale falls through", "C", "zh_CN.UTF-8", "zh_CN"},
		{"POSIX only", "POSIX", "", "en_US"},
		{"nothing set", "", "", "en_US"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LANG", tt.lang)
			t.Setenv("LC_ALL", tt.lcAll)
			t.Setenv("LC_MESSAGES", "")

			if got := DetectSystemLocale(); got != tt.want {
				t.Errorf("DetectSystemLocale() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadBundledLocales(t *testing.T) {
	for _, code := range []string{"en_US", "zh_CN"} {
		l, err := LoadLocale(code)
		if err != nil {
			t.Fatalf("LoadLocale(%s) failed: %v", code, err)
		}
		if l.locale != code {
			t.Errorf("Expected locale %s, got %s", code, l.locale)
		}
		if l.translations["outcome_success"] == "" {
			t.Errorf("%s is missing outcome_success", code)
		}
	}

	if _, err := LoadLocale("xx_XX"); err == nil {
		t.Error("Expected an error for an unknown locale")
	}
}

func TestBundledLocalesShareKeys(t *testing.T) {
	load := func(code string) map[string]string {
		data, err := bundledLocales.ReadFile("lang/" + code + ".yaml")
		if err != nil {
			t.Fatalf("read %s: %v", code, err)
		}
		var m map[string]string
		if err := yaml.Unmarshal(data, &m); err != nil {
			t.Fatalf("parse %s: %v", code, err)
		}
		return m
	}

	en := load("en_US")
	zh := load("zh_CN")
	for key, value := range en {
		other, ok := zh[key]
		if !ok {
			t.Errorf("zh_CN is missing key %s", key)
			continue
		}
		if strings.Count(value, "%") != strings.Count(other, "%") {
			t.Errorf("key %s has mismatched format verbs", key)
		}
	}
	for key := range zh {
		if _, ok := en[key]; !ok {
			t.Errorf("en_US is missing key %s", key)
		}
	}
}

func TestTranslate(t *testing.T) {
	saved := globalLocale
	t.Cleanup(func() { globalLocale = saved })

	globalLocale = nil
	if got := T("anything"); got != "anything" {
		t.Errorf("T without a locale should echo the key, got %q", got)
	}
	if got := GetLocale(); got != "en_US" {
		t.Errorf("GetLocale without a locale should be en_US, got %q", got)
	}

	l, err := parseLocale("test", []byte("greet: \"hello %s\"\nplain: done\n"))
	if err != nil {
		t.Fatalf("parseLocale failed: %v", err)
	}
	globalLocale = l

	if got := T("greet", "world"); got != "hello world" {
		t.Errorf("T(greet) = %q", got)
	}
	if got := T("plain"); got != "done" {
		t.Errorf("T(plain) = %q", got)
	}
	if got := T("missing"); got != "missing" {
		t.Errorf("T(missing) = %q", got)
	}
	if got := GetLocale(); got != "test" {
		t.Errorf("GetLocale() = %q", got)
	}

	if _, err := parseLocale("bad", []byte("key: [unterminated")); err == nil {
		t.Error("Expected parse error")
	}
}

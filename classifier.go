package main

import "strings"

type ControlStatus int

const (
	StatusAbsent ControlStatus = iota
	StatusIndeterminate
	StatusDisabled
	StatusEnabled
)

func (s ControlStatus) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusIndeterminate:
		return "indeterminate"
	case StatusDisabled:
		return "disabled"
	case StatusEnabled:
		return "enabled"
	}
	return "unknown"
}

// ControlSpec locates a control on the host page and names the class markers
// the page uses to expose its state.
type ControlSpec struct {
	Selector string `yaml:"selector"`
	// GuardSelector, when set, must also match before the control counts as ready.
	GuardSelector       string   `yaml:"guard_selector"`
	DisabledClasses     []string `yaml:"disabled_classes"`
	CannotSubmitClasses []string `yaml:"cannot_submit_classes"`
	EnabledClasses      []string `yaml:"enabled_classes"`
	// IndeterminateIsEnabled is the caller's policy for a present control
	// that carries no marker either way.
	IndeterminateIsEnabled bool `yaml:"indeterminate_is_enabled"`
}

// ControlSignals is the raw state reported by the host page for one element.
type ControlSignals struct {
	DisabledProp  bool     `json:"disabledProp"`
	DisabledAttr  bool     `json:"disabledAttr"`
	AriaDisabled  string   `json:"ariaDisabled"`
	Classes       []string `json:"classes"`
	PointerEvents string   `json:"pointerEvents"`
	GuardPresent  bool     `json:"guardPresent"`
}

// Classify folds the signals of a control into a single status. A nil signal
// set means no element matched. Any disabling signal wins over an enabled marker.
func Classify(spec ControlSpec, sig *ControlSignals) ControlStatus {
	if sig == nil {
		return StatusAbsent
	}

	if sig.DisabledProp || sig.DisabledAttr ||
		strings.EqualFold(strings.TrimSpace(sig.AriaDisabled), "true") ||
		strings.EqualFold(strings.TrimSpace(sig.PointerEvents), "none") ||
		hasAnyClass(sig.Classes, spec.DisabledClasses) ||
		hasAnyClass(sig.Classes, spec.CannotSubmitClasses) {
		return StatusDisabled
	}

	if spec.GuardSelector != "" && !sig.GuardPresent {
		return StatusIndeterminate
	}

	if hasAnyClass(sig.Classes, spec.EnabledClasses) {
		return StatusEnabled
	}
	return StatusIndeterminate
}

// Ready applies IndeterminateIsEnabled on top of Classify.
func (spec ControlSpec) Ready(status ControlStatus) bool {
	switch status {
	case StatusEnabled:
		return true
	case StatusIndeterminate:
		return spec.IndeterminateIsEnabled
	}
	return false
}

func hasAnyClass(classes, markers []string) bool {
	for _, m := range markers {
		if m == "" {
			continue
		}
		for _, c := range classes {
			if c == m {
				return true
			}
		}
	}
	return false
}

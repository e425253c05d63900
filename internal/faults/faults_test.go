package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestConfigurationClassification(t *testing.T) {
	err := Configuration("no plan for tier %q", "Platinum")
	if !IsConfiguration(err) {
		t.Error("expected configuration error")
	}
	if IsTransient(err) {
		t.Error("configuration error misclassified as transient")
	}
}

func TestTransientSurvivesWrapping(t *testing.T) {
	inner := Transient(errors.New("quota service: connection refused"))
	wrapped := fmt.Errorf("apply deposit: %w", inner)

	if !IsTransient(wrapped) {
		t.Error("expected transient classification through fmt.Errorf wrap")
	}
}

func TestTransientNil(t *testing.T) {
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}

func TestSentinels(t *testing.T) {
	err := fmt.Errorf("subscription evt_123: %w", ErrDuplicateEvent)
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Error("duplicate sentinel lost in wrap")
	}
	if errors.Is(err, ErrUnresolvable) {
		t.Error("duplicate should not match unresolvable")
	}
}

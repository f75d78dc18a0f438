package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/qizha/senlin/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"ActionID", id.NewActionID, "act_"},
		{"ClusterID", id.NewClusterID, "cls_"},
		{"NodeID", id.NewNodeID, "node_"},
		{"ProfileID", id.NewProfileID, "prof_"},
		{"PolicyID", id.NewPolicyID, "plc_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"ActionID", id.NewActionID, id.ParseActionID},
		{"ClusterID", id.NewClusterID, id.ParseClusterID},
		{"NodeID", id.NewNodeID, id.ParseNodeID},
		{"PolicyID", id.NewPolicyID, id.ParsePolicyID},
		{"WorkerID", id.NewWorkerID, id.ParseWorkerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := tt.newFn()
			parsed, err := tt.parseFn(orig.String())
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if parsed.String() != orig.String() {
				t.Errorf("round trip mismatch: %q != %q", parsed, orig)
			}
		})
	}
}

func TestParseWithPrefixRejectsWrongKind(t *testing.T) {
	actionID := id.NewActionID()
	if _, err := id.ParseClusterID(actionID.String()); err == nil {
		t.Error("expected error parsing an action ID as a cluster ID")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error parsing empty string")
	}
}

func TestNilID(t *testing.T) {
	var nilID id.ID
	if !nilID.IsNil() {
		t.Error("zero value should be nil")
	}
	if nilID.String() != "" {
		t.Errorf("nil ID String() = %q, want empty", nilID.String())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := id.NewNodeID()
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var back id.ID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if back.String() != orig.String() {
		t.Errorf("JSON round trip mismatch: %q != %q", back, orig)
	}
}

func TestSortable(t *testing.T) {
	// UUIDv7-based IDs generated in sequence must sort ascending.
	a := id.NewActionID().String()
	b := id.NewActionID().String()
	if !(a < b) {
		t.Errorf("expected %q < %q (K-sortable)", a, b)
	}
}

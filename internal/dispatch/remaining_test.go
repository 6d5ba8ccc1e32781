package dispatch

import (
	"reflect"
	"testing"
)

func TestRemaining(t *testing.T) {
	cases := []struct {
		name      string
		targets   []string
		attempted []string
		want      []string
	}{
		{
			name:    "nothing attempted",
			targets: []string{"+1", "+2", "+3"},
			want:    []string{"+1", "+2", "+3"},
		},
		{
			name:      "preserves order",
			targets:   []string{"+1", "+2", "+3", "+4"},
			attempted: []string{"+3", "+1"},
			want:      []string{"+2", "+4"},
		},
		{
			name:      "failures count as attempted",
			targets:   []string{"+1", "+2"},
			attempted: []string{"+1", "+1", "+2"},
			want:      nil,
		},
		{
			name:    "duplicate targets collapse",
			targets: []string{"+1", "+2", "+1"},
			want:    []string{"+1", "+2"},
		},
		{
			name:      "attempted not in targets ignored",
			targets:   []string{"+1"},
			attempted: []string{"+9"},
			want:      []string{"+1"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Remaining(c.targets, c.attempted)
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("Remaining(%v, %v) = %v, want %v", c.targets, c.attempted, got, c.want)
			}
		})
	}
}

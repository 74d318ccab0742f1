package store

import (
	"reflect"
	"testing"
)

func TestResequence(t *testing.T) {
	cases := []struct {
		name string
		in   []stepOrder
		want []stepOrder
	}{
		{
			// Deleting sequence 2 of [1,2,3,4] yields [1,2,3].
			name: "middle deleted",
			in:   []stepOrder{{"a", 1}, {"c", 3}, {"d", 4}},
			want: []stepOrder{{"c", 2}, {"d", 3}},
		},
		{
			name: "head deleted",
			in:   []stepOrder{{"b", 2}, {"c", 3}},
			want: []stepOrder{{"b", 1}, {"c", 2}},
		},
		{
			name: "tail deleted",
			in:   []stepOrder{{"a", 1}, {"b", 2}},
			want: nil,
		},
		{
			name: "last survivor",
			in:   []stepOrder{{"d", 4}},
			want: []stepOrder{{"d", 1}},
		},
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := resequence(c.in); !reflect.DeepEqual(got, c.want) {
				t.Fatalf("resequence(%v) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}

// Each update must land in a slot no later update still occupies, or the
// unique constraint would reject it mid-transaction.
func TestResequenceUpdatesNeverCollide(t *testing.T) {
	in := []stepOrder{{"b", 2}, {"d", 4}, {"e", 5}, {"h", 8}}
	occupied := map[int]string{}
	for _, st := range in {
		occupied[st.Sequence] = st.ID
	}
	for _, st := range resequence(in) {
		if holder, taken := occupied[st.Sequence]; taken && holder != st.ID {
			t.Fatalf("slot %d still held by %s when %s moves in", st.Sequence, holder, st.ID)
		}
		for seq, holder := range occupied {
			if holder == st.ID {
				delete(occupied, seq)
			}
		}
		occupied[st.Sequence] = st.ID
	}
}

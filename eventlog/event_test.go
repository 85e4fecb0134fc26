package eventlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeIDStable(t *testing.T) {
	ev := Event{PubKey: "ab", CreatedAt: 1700000000, Kind: KindToken, Content: "x"}
	first, err := ev.ComputeID()
	require.NoError(t, err)
	ev.Sig = "ignored"
	second, err := ev.ComputeID()
	require.NoError(t, err)
	require.Equal(t, first, second)
	ev.Content = "y"
	third, err := ev.ComputeID()
	require.NoError(t, err)
	require.NotEqual(t, first, third)
}

func TestSerializeDoesNotEscapeHTML(t *testing.T) {
	ev := Event{PubKey: "ab", CreatedAt: 1, Kind: 1, Content: "<a&b>"}
	raw, err := ev.Serialize()
	require.NoError(t, err)
	require.Equal(t, `[0,"ab",1,1,[],"<a&b>"]`, string(raw))
}

func TestFilterJSONUsesHashTags(t *testing.T) {
	f := Filter{Authors: []string{"me"}, Kinds: []int{KindToken}, Tags: map[string][]string{"e": {"abc"}}}
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Contains(t, decoded, "#e")
	require.Contains(t, decoded, "authors")
	require.NotContains(t, decoded, "limit")
}

func TestFilterMatches(t *testing.T) {
	ev := Event{ID: "1", PubKey: "me", Kind: KindDeletion, Tags: [][]string{{"e", "old"}, {"k", "7375"}}, CreatedAt: 10}
	require.True(t, Filter{Authors: []string{"me"}, Kinds: []int{KindDeletion}}.Matches(ev))
	require.True(t, Filter{Tags: map[string][]string{"e": {"old"}}}.Matches(ev))
	require.False(t, Filter{Tags: map[string][]string{"e": {"other"}}}.Matches(ev))
	require.False(t, Filter{Kinds: []int{KindToken}}.Matches(ev))
	require.False(t, Filter{Since: 11}.Matches(ev))
	require.Equal(t, []string{"old"}, ev.TagValues("e"))
}

func TestFilterJSONParsesWireForm(t *testing.T) {
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(`{"authors":["me"],"kinds":[7375,5],"#e":["abc"],"since":10,"limit":3}`), &f))
	require.Equal(t, Filter{
		Authors: []string{"me"},
		Kinds:   []int{KindToken, KindDeletion},
		Tags:    map[string][]string{"e": {"abc"}},
		Since:   10,
		Limit:   3,
	}, f)

	require.Error(t, json.Unmarshal([]byte(`{"kinds":"x"}`), &f))
}

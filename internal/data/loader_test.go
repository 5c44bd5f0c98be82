package data

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func makePairs(n int) []Pair {
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i] = Pair{
			Text1:       fmt.Sprintf("query %d", i),
			Text2:       fmt.Sprintf("target %d", i),
			QuestionID:  fmt.Sprintf("q%d", i),
			FunctionKey: fmt.Sprintf("f%d", i),
		}
	}
	return pairs
}

func TestLoaderLen(t *testing.T) {
	cases := []struct {
		examples  int
		batchSize int
		want      int
	}{
		{10, 4, 3},
		{8, 4, 2},
		{1, 4, 1},
		{0, 4, 0},
	}
	for _, tc := range cases {
		l := NewLoader(makePairs(tc.examples), tc.batchSize, 1)
		if got := l.Len(); got != tc.want {
			t.Fatalf("Len with %d examples batch %d: got %d, want %d", tc.examples, tc.batchSize, got, tc.want)
		}
	}
}

func TestLoaderBatchPartition(t *testing.T) {
	l := NewLoader(makePairs(10), 4, 1)
	l.SetEpoch(0)

	seen := map[string]bool{}
	total := 0
	for i := 0; i < l.Len(); i++ {
		batch := l.Batch(i)
		total += len(batch)
		for _, p := range batch {
			if seen[p.QuestionID] {
				t.Fatalf("example %s appears twice in one epoch", p.QuestionID)
			}
			seen[p.QuestionID] = true
		}
	}
	if total != 10 {
		t.Fatalf("expected 10 examples across batches, got %d", total)
	}
	if got := len(l.Batch(2)); got != 2 {
		t.Fatalf("expected final partial batch of 2, got %d", got)
	}
}

func TestLoaderEpochDeterminism(t *testing.T) {
	a := NewLoader(makePairs(20), 4, 7)
	b := NewLoader(makePairs(20), 4, 7)

	a.SetEpoch(3)
	b.SetEpoch(3)
	if !reflect.DeepEqual(a.Batch(0), b.Batch(0)) {
		t.Fatal("same seed and epoch must produce the same batch order")
	}

	b.SetEpoch(4)
	if reflect.DeepEqual(a.Batch(0), b.Batch(0)) {
		t.Fatal("different epochs should reshuffle the order")
	}

	// Replaying the earlier epoch restores the original order.
	b.SetEpoch(3)
	if !reflect.DeepEqual(a.Batch(0), b.Batch(0)) {
		t.Fatal("replaying an epoch must restore its batch order")
	}
}

func TestLoadPairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairs.jsonl")
	body := `{"text1":"how to sort a list","text2":"sorted(iterable)","question_id":"q1","function_key":"python.sorted"}

{"text1":"read a file","text2":"open(path)","question_id":"q2","function_key":"python.open"}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write pairs: %v", err)
	}

	pairs, err := LoadPairs(path)
	if err != nil {
		t.Fatalf("LoadPairs error: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(pairs))
	}
	if pairs[1].FunctionKey != "python.open" {
		t.Fatalf("unexpected function key: %s", pairs[1].FunctionKey)
	}
}

func TestLoadPairsBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairs.jsonl")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0o644); err != nil {
		t.Fatalf("write pairs: %v", err)
	}
	if _, err := LoadPairs(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.jsonl")
	body := `{"id":"q1","text":"how to sort a list"}
{"id":"q2","text":"read a file"}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write entries: %v", err)
	}

	entries, err := LoadEntries(path)
	if err != nil {
		t.Fatalf("LoadEntries error: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "q1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

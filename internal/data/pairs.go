// internal/data/pairs.go
// Package data loads paired-sentence training and evaluation sets.
package data

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Pair is one contrastive training example: a query sentence, a target
// sentence, and the identifiers used to group reranking results.
type Pair struct {
	Text1       string `json:"text1"`
	Text2       string `json:"text2"`
	QuestionID  string `json:"question_id,omitempty"`
	FunctionKey string `json:"function_key,omitempty"`
}

// Entry is one line of an encode file: an identifier and its text.
type Entry struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// LoadPairs reads a JSONL file of Pair records, skipping blank lines.
func LoadPairs(path string) ([]Pair, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pairs file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)

	var pairs []Pair
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var pair Pair
		if err := json.Unmarshal([]byte(line), &pair); err != nil {
			return nil, fmt.Errorf("parse pairs line %d: %w", lineNo, err)
		}
		pairs = append(pairs, pair)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read pairs file: %w", err)
	}
	return pairs, nil
}

// LoadEntries reads a JSONL file of Entry records, skipping blank lines.
func LoadEntries(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open entries file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)

	var entries []Entry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("parse entries line %d: %w", lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read entries file: %w", err)
	}
	return entries, nil
}

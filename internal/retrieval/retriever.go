// internal/retrieval/retriever.go
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/mwiater/kiln/internal/data"
	"github.com/mwiater/kiln/internal/metrics"
	"github.com/mwiater/kiln/internal/util"
)

// Encoder turns a batch of texts into embeddings.
type Encoder interface {
	Encode(texts []string, normalize bool) ([][]float64, error)
}

// Retriever encodes files into embedding stores and retrieves the top-k
// targets for each source embedding.
type Retriever struct {
	enc       Encoder
	batchSize int
}

// NewRetriever creates a retriever that encodes in batches of batchSize.
func NewRetriever(batchSize int) *Retriever {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Retriever{batchSize: batchSize}
}

// PrepareModel installs the encoder used for subsequent EncodeFile calls.
func (r *Retriever) PrepareModel(enc Encoder) {
	r.enc = enc
}

// EncodeFile reads a corpus file, encodes every text, and persists the
// embeddings to a store at dest with the id list alongside in dest+".ids.json".
// When fromTraining is set, the file is parsed as training pairs and the
// deduplicated second sentences form the corpus; otherwise the file holds
// id/text entries. Returns the embeddings and ids in file order.
func (r *Retriever) EncodeFile(ctx context.Context, path, dest string, normalize, fromTraining bool) ([][]float64, []string, error) {
	if r.enc == nil {
		return nil, nil, fmt.Errorf("encoder not prepared")
	}

	ids, texts, err := loadCorpus(path, fromTraining)
	if err != nil {
		return nil, nil, err
	}
	if len(texts) == 0 {
		return nil, nil, fmt.Errorf("corpus %s contains no entries", path)
	}

	embeddings := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += r.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		end := start + r.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := r.enc.Encode(texts[start:end], normalize)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s batch at %d: %w", path, start, err)
		}
		embeddings = append(embeddings, batch...)
	}

	if dest != "" {
		if err := saveEmbeddings(dest, ids, embeddings); err != nil {
			return nil, nil, err
		}
	}
	return embeddings, ids, nil
}

// Retrieve scores every source embedding against every target embedding by
// inner product and writes the top-k targets per source id to saveFile as a
// map of id to ranked result. Ties keep the earlier target.
func (r *Retriever) Retrieve(ctx context.Context, srcEmbed, tgtEmbed [][]float64, srcIDs, tgtIDs []string, topK int, saveFile string) (map[string]metrics.RankedResult, error) {
	if len(srcEmbed) != len(srcIDs) {
		return nil, fmt.Errorf("source embeddings and ids disagree: %d vs %d", len(srcEmbed), len(srcIDs))
	}
	if len(tgtEmbed) != len(tgtIDs) {
		return nil, fmt.Errorf("target embeddings and ids disagree: %d vs %d", len(tgtEmbed), len(tgtIDs))
	}
	if topK <= 0 {
		topK = 10
	}
	if topK > len(tgtEmbed) {
		topK = len(tgtEmbed)
	}

	results := make(map[string]metrics.RankedResult, len(srcIDs))
	for i, src := range srcEmbed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scores := make([]float64, len(tgtEmbed))
		for j, tgt := range tgtEmbed {
			scores[j] = dot(src, tgt)
		}
		order := argsortDescending(scores)

		retrieved := make([]string, topK)
		topScores := make([]float64, topK)
		for k := 0; k < topK; k++ {
			retrieved[k] = tgtIDs[order[k]]
			topScores[k] = scores[order[k]]
		}
		results[srcIDs[i]] = metrics.RankedResult{Retrieved: retrieved, Score: topScores}
	}

	if saveFile != "" {
		payload, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal retrieval results: %w", err)
		}
		if err := util.WriteFile(saveFile, payload); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func loadCorpus(path string, fromTraining bool) ([]string, []string, error) {
	if fromTraining {
		pairs, err := data.LoadPairs(path)
		if err != nil {
			return nil, nil, err
		}
		seen := make(map[string]bool, len(pairs))
		var ids, texts []string
		for _, p := range pairs {
			if p.FunctionKey == "" || seen[p.FunctionKey] {
				continue
			}
			seen[p.FunctionKey] = true
			ids = append(ids, p.FunctionKey)
			texts = append(texts, p.Text2)
		}
		return ids, texts, nil
	}

	entries, err := data.LoadEntries(path)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, len(entries))
	texts := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		texts[i] = e.Text
	}
	return ids, texts, nil
}

func saveEmbeddings(dest string, ids []string, embeddings [][]float64) error {
	store, err := OpenStore(dest)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.PutAll(ids, embeddings); err != nil {
		return fmt.Errorf("persist embeddings to %s: %w", dest, err)
	}

	payload, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal id list: %w", err)
	}
	if err := os.WriteFile(dest+".ids.json", payload, 0644); err != nil {
		return fmt.Errorf("write id list: %w", err)
	}
	return nil
}

// argsortDescending returns indices ordered by descending score; equal scores
// keep their original relative order.
func argsortDescending(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

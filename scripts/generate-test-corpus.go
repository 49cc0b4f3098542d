//go:build ignore

// Package main generates a synthetic conversation memory corpus for benchmarking.
// Usage: go run scripts/generate-test-corpus.go -conversations 200 -output testdata/bench
//
// It writes three files:
//   - items.jsonl: episodes and event-log facts for `evermem import`
//   - queries.json: batch input for `evermem batch`
//   - gold.json: question_id -> episode id that answers it, for scripts/bench-compare.go
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

var (
	numConversations = flag.Int("conversations", 200, "Number of conversations to generate")
	episodesPerConv  = flag.Int("episodes", 8, "Episodes per conversation")
	queriesPerConv   = flag.Int("queries", 3, "Queries per conversation")
	outputDir        = flag.String("output", "testdata/bench", "Output directory")
	seed             = flag.Int64("seed", 42, "Random seed for reproducibility")
)

var people = []string{"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi", "ivan", "judy"}

// topic is one kind of event a conversation can mention, in English and
// Chinese so both tokenizer paths get exercised.
type topic struct {
	subject string
	episode string // %[1]s speaker, %[2]s other participant, %[3]s place
	facts   []string
	query   string // %[1]s speaker
}

var places = []string{"Beijing", "Shanghai", "Hangzhou", "Lisbon", "Kyoto", "Denver", "Oslo", "Nairobi"}

var topics = []topic{
	{
		subject: "Trip planning",
		episode: "%[1]s told %[2]s about a trip to %[3]s next month, including the hotel near the old town and a food tour.",
		facts:   []string{"%[1]s is travelling to %[3]s next month.", "%[1]s booked a hotel near the old town in %[3]s."},
		query:   "Where is %[1]s travelling next month?",
	},
	{
		subject: "New job",
		episode: "%[1]s shared with %[2]s that they accepted a backend engineering job in %[3]s starting after the holidays.",
		facts:   []string{"%[1]s accepted a backend engineering job.", "%[1]s's new job is in %[3]s."},
		query:   "What job did %[1]s accept?",
	},
	{
		subject: "Weekend hiking",
		episode: "%[1]s and %[2]s planned a weekend hike outside %[3]s and argued about whether to camp overnight.",
		facts:   []string{"%[1]s plans a weekend hike near %[3]s.", "%[2]s wants to camp overnight."},
		query:   "What are %[1]s's weekend plans?",
	},
	{
		subject: "出差安排",
		episode: "%[1]s告诉%[2]s下周要去%[3]s出差，顺便见一位老同学，还想尝尝当地的美食。",
		facts:   []string{"%[1]s下周去%[3]s出差。", "%[1]s在%[3]s会见老同学。"},
		query:   "%[1]s下周去哪里出差？",
	},
	{
		subject: "Birthday gift",
		episode: "%[1]s asked %[2]s for ideas for a birthday gift and settled on a cooking class in %[3]s.",
		facts:   []string{"%[1]s is giving a cooking class as a birthday gift.", "The cooking class is in %[3]s."},
		query:   "What birthday gift did %[1]s choose?",
	},
	{
		subject: "Health",
		episode: "%[1]s mentioned to %[2]s that the doctor in %[3]s suggested cutting coffee and sleeping earlier.",
		facts:   []string{"%[1]s was told to cut coffee.", "%[1]s's doctor is in %[3]s."},
		query:   "What did the doctor tell %[1]s?",
	},
}

type goldEntry struct {
	QuestionID string `json:"question_id"`
	EpisodeID  string `json:"episode_id"`
}

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	itemsFile, err := os.Create(filepath.Join(*outputDir, "items.jsonl"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating items file: %v\n", err)
		os.Exit(1)
	}
	defer itemsFile.Close()
	enc := json.NewEncoder(itemsFile)
	enc.SetEscapeHTML(false)

	var (
		queries  []memory.Query
		gold     []goldEntry
		episodes int
		facts    int
	)
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	for c := 0; c < *numConversations; c++ {
		convID := fmt.Sprintf("conv-%04d", c)
		speaker := people[rng.Intn(len(people))]
		other := people[(indexOf(speaker)+1+rng.Intn(len(people)-1))%len(people)]

		var convEpisodes []string
		var convTopics []topic
		var convSpeakers []string
		for e := 0; e < *episodesPerConv; e++ {
			tp := topics[rng.Intn(len(topics))]
			place := places[rng.Intn(len(places))]
			who, with := speaker, other
			if rng.Intn(2) == 0 {
				who, with = other, speaker
			}
			at := start.Add(time.Duration(c*(*episodesPerConv)+e) * 3 * time.Hour)
			epID := fmt.Sprintf("%s-ep-%02d", convID, e)

			write(enc, memory.MemoryItem{
				ID:      epID,
				Kind:    memory.KindEpisode,
				UserID:  who,
				GroupID: convID,
				Episode: &memory.Episode{
					EpisodeText:  fmt.Sprintf(tp.episode, who, with, place),
					Subject:      tp.subject,
					Timestamp:    at,
					Participants: []string{who, with},
				},
			})
			episodes++

			for f, fact := range tp.facts {
				write(enc, memory.MemoryItem{
					ID:      fmt.Sprintf("%s-ev-%d", epID, f),
					Kind:    memory.KindEventLog,
					UserID:  who,
					GroupID: convID,
					EventLog: &memory.EventLogFact{
						AtomicFact:      fmt.Sprintf(fact, who, with, place),
						Timestamp:       at,
						ParentEpisodeID: epID,
					},
				})
				facts++
			}

			convEpisodes = append(convEpisodes, epID)
			convTopics = append(convTopics, tp)
			convSpeakers = append(convSpeakers, who)
		}

		for q := 0; q < *queriesPerConv && len(convEpisodes) > 0; q++ {
			e := rng.Intn(len(convEpisodes))
			qid := fmt.Sprintf("%s-q%d", convID, q)
			queries = append(queries, memory.Query{
				QuestionID:     qid,
				Text:           fmt.Sprintf(convTopics[e].query, convSpeakers[e]),
				ConversationID: convID,
			})
			gold = append(gold, goldEntry{QuestionID: qid, EpisodeID: convEpisodes[e]})
		}
	}

	writeJSON(filepath.Join(*outputDir, "queries.json"), queries)
	writeJSON(filepath.Join(*outputDir, "gold.json"), gold)

	fmt.Printf("Generated %d episodes, %d event-log facts and %d queries in %s\n",
		episodes, facts, len(queries), *outputDir)
}

func indexOf(name string) int {
	for i, p := range people {
		if p == name {
			return i
		}
	}
	return 0
}

func write(enc *json.Encoder, item memory.MemoryItem) {
	if err := enc.Encode(item); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing item %s: %v\n", item.ID, err)
		os.Exit(1)
	}
}

func writeJSON(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding %s: %v\n", path, err)
		os.Exit(1)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", path, err)
		os.Exit(1)
	}
}

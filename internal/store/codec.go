package store

import (
	"encoding/json"
	"fmt"

	"github.com/ahrav/go-imgjudge/internal/domain"
)

// EncodeEvaluation serializes an evaluation for a nullable text column.
func EncodeEvaluation(ev *domain.ObjectiveEvaluation) (*string, error) {
	if ev == nil {
		return nil, nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode objective evaluation: %w", err)
	}
	s := string(b)
	return &s, nil
}

// DecodeEvaluation is the inverse of EncodeEvaluation.
func DecodeEvaluation(raw *string) (*domain.ObjectiveEvaluation, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var ev domain.ObjectiveEvaluation
	if err := json.Unmarshal([]byte(*raw), &ev); err != nil {
		return nil, fmt.Errorf("decode objective evaluation: %w", err)
	}
	return &ev, nil
}

// EncodeFrequency serializes issue counts.
func EncodeFrequency(freq map[domain.IssueCategory]int) (string, error) {
	if freq == nil {
		freq = map[domain.IssueCategory]int{}
	}
	b, err := json.Marshal(freq)
	if err != nil {
		return "", fmt.Errorf("encode issue frequency: %w", err)
	}
	return string(b), nil
}

// Package policy decides who may submit, review and force ownership changes.
package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"proofofart/internal/models"
)

const query = "data.proofofart.claims"

//go:embed claims.rego
var claimsModule string

type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type ArtworkInput struct {
	ID             string `json:"id"`
	CurrentOwnerID string `json:"current_owner_id"`
}

type Input struct {
	Actor   Actor        `json:"actor"`
	Artwork ArtworkInput `json:"artwork"`
}

type Decision struct {
	AllowClaim    bool `json:"allow_claim"`
	AllowReview   bool `json:"allow_review"`
	AllowTransfer bool `json:"allow_transfer"`
}

type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the built-in claims policy.
func NewEngine(ctx context.Context) (*Engine, error) {
	return NewEngineFromSource(ctx, claimsModule)
}

func NewEngineFromSource(ctx context.Context, source string) (*Engine, error) {
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("claims.rego", source),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile claims policy: %w", err)
	}
	return &Engine{query: prepared}, nil
}

func InputFor(user models.User, artwork models.Artwork) Input {
	return Input{
		Actor:   Actor{ID: user.ID, Role: string(user.Role)},
		Artwork: ArtworkInput{ID: artwork.ID, CurrentOwnerID: artwork.CurrentOwnerID},
	}
}

func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	if e == nil {
		return Decision{}, errors.New("policy engine is nil")
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate claims policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, errors.New("empty policy result")
	}
	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return Decision{}, err
	}
	var decision Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return Decision{}, fmt.Errorf("decode policy result: %w", err)
	}
	return decision, nil
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/internal/quota"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
	"github.com/nulpointcorp/llm-gateway/internal/upstream"
)

// --- fakes ---------------------------------------------------------------

type fakeIdentity struct {
	res Resolution
	err error
}

// Resolution is aliased locally to identity.Resolution to avoid a stutter
// import name collision in this file.
type Resolution = identity.Resolution

func (f fakeIdentity) Resolve(ctx context.Context, credential string) (identity.Resolution, error) {
	return f.res, f.err
}

type fakeQuota struct {
	reserveErr error
	settled    []quota.Actual
}

func (f *fakeQuota) Reserve(ctx context.Context, in quota.ScopeInput, est quota.Estimate) (*quota.Reservation, error) {
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	return &quota.Reservation{}, nil
}

func (f *fakeQuota) Settle(ctx context.Context, res *quota.Reservation, actual quota.Actual, refundRequestCharge bool) ([]string, error) {
	f.settled = append(f.settled, actual)
	return nil, nil
}

// fakeBalancer always returns connections in conns order, honoring tried.
type fakeBalancer struct {
	marks map[uuid.UUID]int
}

func newFakeBalancer() *fakeBalancer { return &fakeBalancer{marks: map[uuid.UUID]int{}} }

func (b *fakeBalancer) Pick(deploymentID string, strategy domain.Strategy, conns []domain.DeploymentConnection, tried map[uuid.UUID]bool) (domain.DeploymentConnection, error) {
	for _, c := range conns {
		if !tried[c.Connection.ID] {
			return c, nil
		}
	}
	return domain.DeploymentConnection{}, errors.New("no eligible candidate")
}

func (b *fakeBalancer) MarkInFlight(deploymentID string, connectionID uuid.UUID, delta int) {
	b.marks[connectionID] += delta
}

type fakeStore struct {
	dg  store.DeploymentGraph
	err error
}

func (f fakeStore) LoadDeploymentByName(ctx context.Context, name string) (store.DeploymentGraph, error) {
	return f.dg, f.err
}

func (f fakeStore) LogRequest(entry domain.RequestLog) {}

// --- helpers ---------------------------------------------------------------

func conn(kind domain.ConnectionKind) domain.Connection {
	return domain.Connection{ID: uuid.New(), Info: domain.ConnectionInfo{Kind: kind}}
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedNow is the Dispatcher's injected clock in tests, so attempt/response
// timestamps are deterministic instead of depending on wall-clock time.
func fixedNow() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func masterKeyGraph(conns ...domain.Connection) (identity.Resolution, store.DeploymentGraph) {
	dcs := make([]domain.DeploymentConnection, len(conns))
	for i, c := range conns {
		dcs[i] = domain.DeploymentConnection{Connection: c, Weight: 1}
	}
	dg := store.DeploymentGraph{
		Deployment:  domain.Deployment{ID: uuid.New(), Name: "dep", Strategy: domain.StrategyRoundRobin},
		Connections: dcs,
	}
	return identity.Resolution{IsMasterKey: true}, dg
}

// --- tests ---------------------------------------------------------------

func TestDispatch_HappyPath(t *testing.T) {
	res, dg := masterKeyGraph(conn(domain.ConnectionKindOpenAIV1))

	d := &Dispatcher{
		identity: fakeIdentity{res: res},
		quota:    &fakeQuota{},
		balance:  newFakeBalancer(),
		store:    fakeStore{dg: dg},
		log:      testLog(),
		now:      fixedNow,
		upstreamFor: func(domain.ConnectionKind) (upstream.Client, error) {
			return stubClient{result: upstream.Result{
				Response:   translate.ChatResponse{ID: "resp-1", Model: "gpt-test"},
				HTTPStatus: 200,
			}}, nil
		},
	}

	out, err := d.Dispatch(context.Background(), Request{
		Credential:     "master",
		DeploymentName: "dep",
		Chat:           translate.ChatRequest{Model: "gpt-test", Messages: []translate.ChatMessage{{Role: "user", Content: "hi"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.HTTPStatus != 200 {
		t.Fatalf("expected 200, got %d", out.HTTPStatus)
	}
}

func TestDispatch_FailoverToSecondConnection(t *testing.T) {
	c1, c2 := conn(domain.ConnectionKindOpenAIV1), conn(domain.ConnectionKindOpenAIV1)
	res, dg := masterKeyGraph(c1, c2)

	calls := 0
	d := &Dispatcher{
		identity: fakeIdentity{res: res},
		quota:    &fakeQuota{},
		balance:  newFakeBalancer(),
		store:    fakeStore{dg: dg},
		log:      testLog(),
		now:      fixedNow,
		upstreamFor: func(domain.ConnectionKind) (upstream.Client, error) {
			return stubClientFunc(func(ctx context.Context, cand domain.Connection) (upstream.Result, error) {
				calls++
				if cand.ID == c1.ID {
					return upstream.Result{}, &upstream.Error{Kind: upstream.KindServerError, Retriable: true}
				}
				return upstream.Result{Response: translate.ChatResponse{ID: "resp-2"}, HTTPStatus: 200}, nil
			}), nil
		},
	}

	out, err := d.Dispatch(context.Background(), Request{
		Credential:     "master",
		DeploymentName: "dep",
		Chat:           translate.ChatRequest{Model: "gpt-test", Messages: []translate.ChatMessage{{Role: "user", Content: "hi"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.HTTPStatus != 200 {
		t.Fatalf("expected eventual success, got status %d", out.HTTPStatus)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts (one failover), got %d", calls)
	}
}

func TestDispatch_FatalUpstreamErrorStopsFailover(t *testing.T) {
	c1, c2 := conn(domain.ConnectionKindOpenAIV1), conn(domain.ConnectionKindOpenAIV1)
	res, dg := masterKeyGraph(c1, c2)

	calls := 0
	d := &Dispatcher{
		identity: fakeIdentity{res: res},
		quota:    &fakeQuota{},
		balance:  newFakeBalancer(),
		store:    fakeStore{dg: dg},
		log:      testLog(),
		now:      fixedNow,
		upstreamFor: func(domain.ConnectionKind) (upstream.Client, error) {
			return stubClientFunc(func(ctx context.Context, cand domain.Connection) (upstream.Result, error) {
				calls++
				return upstream.Result{}, &upstream.Error{Kind: upstream.KindClientError, Retriable: false, StatusCode: 400}
			}), nil
		},
	}

	_, err := d.Dispatch(context.Background(), Request{
		Credential:     "master",
		DeploymentName: "dep",
		Chat:           translate.ChatRequest{Model: "gpt-test", Messages: []translate.ChatMessage{{Role: "user", Content: "hi"}}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Fatalf("expected a non-retriable error to stop after 1 attempt, got %d calls", calls)
	}
}

func TestDispatch_LimitExceeded(t *testing.T) {
	res, dg := masterKeyGraph(conn(domain.ConnectionKindOpenAIV1))

	d := &Dispatcher{
		identity: fakeIdentity{res: res},
		quota:    &fakeQuota{reserveErr: &quota.LimitExceeded{Scope: quota.ScopeVirtualKey, Kind: quota.KindRequest}},
		balance:  newFakeBalancer(),
		store:    fakeStore{dg: dg},
		log:      testLog(),
		now:      fixedNow,
		upstreamFor: func(domain.ConnectionKind) (upstream.Client, error) {
			t.Fatal("upstream should not be called once quota reservation fails")
			return nil, nil
		},
	}

	_, err := d.Dispatch(context.Background(), Request{
		Credential:     "master",
		DeploymentName: "dep",
		Chat:           translate.ChatRequest{Model: "gpt-test", Messages: []translate.ChatMessage{{Role: "user", Content: "hi"}}},
	})
	de, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if de.Kind != KindLimitExceeded {
		t.Fatalf("expected KindLimitExceeded, got %s", de.Kind)
	}
}

// TestDispatch_GeminiTranslation exercises scenario S2 (spec.md §8): a
// Gemini connection dispatched end-to-end through the real translate and
// upstream packages (no upstreamFor override), against a mock HTTP server
// standing in for the Gemini API, confirming the request carries
// system_instruction/contents per §4.E and the response maps back onto the
// canonical chat-completions shape.
func TestDispatch_GeminiTranslation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Contents []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode upstream request: %v", err)
		}
		if body.SystemInstruction == nil || len(body.SystemInstruction.Parts) == 0 || body.SystemInstruction.Parts[0].Text != "be brief" {
			t.Errorf(`expected system_instruction.parts[0].text=="be brief", got %+v`, body.SystemInstruction)
		}
		if len(body.Contents) != 1 || len(body.Contents[0].Parts) == 0 || body.Contents[0].Parts[0].Text != "hello" {
			t.Errorf(`expected contents[0].parts[0].text=="hello", got %+v`, body.Contents)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{
				map[string]any{
					"content": map[string]any{
						"role":  "model",
						"parts": []map[string]string{{"text": "hi"}},
					},
					"finishReason": "STOP",
					"index":        0,
				},
			},
			"usageMetadata": map[string]int{
				"promptTokenCount":     3,
				"candidatesTokenCount": 1,
				"totalTokenCount":      4,
			},
			"responseId": "resp-gemini-1",
		})
	}))
	defer srv.Close()

	c1 := domain.Connection{
		ID: uuid.New(),
		Info: domain.ConnectionInfo{
			Kind:        domain.ConnectionKindGemini,
			Credentials: "test-key",
			Endpoint:    srv.URL,
			Gemini:      &domain.GeminiInfo{APIVersion: "v1beta"},
		},
	}
	res, dg := masterKeyGraph(c1)

	d := &Dispatcher{
		identity:    fakeIdentity{res: res},
		quota:       &fakeQuota{},
		balance:     newFakeBalancer(),
		store:       fakeStore{dg: dg},
		log:         testLog(),
		now:         fixedNow,
		upstreamFor: upstream.For,
	}

	out, err := d.Dispatch(context.Background(), Request{
		Credential:     "master",
		DeploymentName: "dep",
		Chat: translate.ChatRequest{
			Model: "D2",
			Messages: []translate.ChatMessage{
				{Role: "system", Content: "be brief"},
				{Role: "user", Content: "hello"},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.HTTPStatus != 200 {
		t.Fatalf("expected 200, got %d", out.HTTPStatus)
	}
	if len(out.Chat.Choices) != 1 || out.Chat.Choices[0].Message.Content != "hi" {
		t.Fatalf(`expected choices[0].message.content=="hi", got %+v`, out.Chat.Choices)
	}
	if out.Chat.ID == "" {
		t.Fatal("expected a synthesized response id")
	}
}

// --- stub upstream client ---------------------------------------------------

type stubClient struct {
	result upstream.Result
	err    error
}

func (s stubClient) Invoke(ctx context.Context, cand domain.Connection, req translate.ChatRequest) (upstream.Result, error) {
	return s.result, s.err
}

type stubClientFunc func(ctx context.Context, cand domain.Connection) (upstream.Result, error)

func (f stubClientFunc) Invoke(ctx context.Context, cand domain.Connection, req translate.ChatRequest) (upstream.Result, error) {
	return f(ctx, cand)
}

package embedder

import (
	"context"
	"testing"

	"github.com/scrypster/openmemory/pkg/types"
)

func TestBuildServiceSyntheticOnly(t *testing.T) {
	svc, err := BuildService(Settings{Kind: "synthetic", VecDim: 32})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := svc.EmbedForSector(context.Background(), "hello", types.SectorSemantic)
	if len(v) != 32 {
		t.Fatalf("dim = %d, want 32", len(v))
	}
}

func TestBuildServiceRejectsUnknownProvider(t *testing.T) {
	_, err := BuildService(Settings{Kind: "quantum", VecDim: 32})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestBuildServiceRequiresOpenAIKey(t *testing.T) {
	_, err := BuildService(Settings{Kind: "openai", VecDim: 32})
	if err == nil {
		t.Fatal("expected error when openai key is missing")
	}
}

func TestBuildServiceOllamaChain(t *testing.T) {
	svc, err := BuildService(Settings{
		Kind:     "ollama",
		Fallback: []string{"synthetic"},
		VecDim:   16,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(svc.chain); got != 1 {
		t.Fatalf("chain length = %d, want 1 (synthetic is implicit)", got)
	}
}

func TestBuildServiceRouter(t *testing.T) {
	svc, err := BuildService(Settings{
		Kind:   "router_cpu",
		VecDim: 16,
		RouterSectorModels: map[string]string{
			"semantic": "ollama",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := svc.EmbedForSector(context.Background(), "routed text", types.SectorEpisodic)
	if len(v) != 16 {
		t.Fatalf("dim = %d, want 16", len(v))
	}
}

func TestBuildServiceRouterRejectsBadSector(t *testing.T) {
	_, err := BuildService(Settings{
		Kind:               "router_cpu",
		VecDim:             16,
		RouterSectorModels: map[string]string{"mystery": "ollama"},
	})
	if err == nil {
		t.Fatal("expected error for unknown sector in router table")
	}
}

func TestBuildServiceRouterRejectsSelfRoute(t *testing.T) {
	_, err := BuildService(Settings{
		Kind:               "router_cpu",
		VecDim:             16,
		RouterSectorModels: map[string]string{"semantic": "router_cpu"},
	})
	if err == nil {
		t.Fatal("expected error for self-routing table")
	}
}

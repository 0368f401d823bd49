package launcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sarahmk125/dagster/internal/domain"
	"github.com/sarahmk125/dagster/internal/origin"
)

func TestResolveImageExplicitWins(t *testing.T) {
	origins := origin.NewStaticStore(map[string]origin.Location{
		"etl": {Name: "warehouse", DefaultImage: "registry.example.com/warehouse:v1"},
	})
	run := domain.Run{ID: "r1", PipelineName: "etl", Status: domain.RunStatusNotStarted}

	image, err := ResolveImage(context.Background(), origins, run, Config{JobImage: "registry.example.com/etl:v4"})
	if err != nil {
		t.Fatalf("ResolveImage err=%v", err)
	}
	if image != "registry.example.com/etl:v4" {
		t.Fatalf("image=%q, want explicit image", image)
	}
}

func TestResolveImageOriginFallback(t *testing.T) {
	origins := origin.NewStaticStore(map[string]origin.Location{
		"etl": {Name: "warehouse", DefaultImage: "registry.example.com/warehouse:v1"},
	})
	run := domain.Run{ID: "r1", PipelineName: "etl", Status: domain.RunStatusNotStarted}

	image, err := ResolveImage(context.Background(), origins, run, Config{})
	if err != nil {
		t.Fatalf("ResolveImage err=%v", err)
	}
	if image != "registry.example.com/warehouse:v1" {
		t.Fatalf("image=%q, want origin default", image)
	}
}

func TestResolveImageNoImage(t *testing.T) {
	origins := origin.NewStaticStore(nil)
	run := domain.Run{ID: "r1", PipelineName: "etl", Status: domain.RunStatusNotStarted}

	_, err := ResolveImage(context.Background(), origins, run, Config{})
	if !errors.Is(err, ErrNoImage) {
		t.Fatalf("err=%v, want ErrNoImage", err)
	}
}

func TestParseImageDigest(t *testing.T) {
	digest := "sha256:" + strings.Repeat("ab", 32)

	got, ok := ParseImageDigest("registry.example.com/etl@" + digest)
	if !ok || got != digest {
		t.Fatalf("got (%q, %v)", got, ok)
	}

	got, ok = ParseImageDigest(digest)
	if !ok || got != digest {
		t.Fatalf("bare digest: got (%q, %v)", got, ok)
	}

	for _, ref := range []string{
		"registry.example.com/etl:v4",
		"registry.example.com/etl@sha256:short",
		"@" + digest,
		"",
	} {
		if _, ok := ParseImageDigest(ref); ok {
			t.Errorf("ParseImageDigest(%q) ok, want false", ref)
		}
	}
}

package cmd

import (
	"fmt"
	"log"

	"github.com/herve-wq/mvpwakascribe/internal/backend"
	"github.com/herve-wq/mvpwakascribe/internal/chunk"
	"github.com/herve-wq/mvpwakascribe/internal/config"
	"github.com/herve-wq/mvpwakascribe/internal/engine"
	"github.com/herve-wq/mvpwakascribe/internal/events"
	"github.com/herve-wq/mvpwakascribe/internal/models"
	"github.com/herve-wq/mvpwakascribe/internal/telemetry"
	"github.com/herve-wq/mvpwakascribe/internal/vocab"
)

// buildEngine wires registry, vocabulary and chunking from the config and
// activates the configured backend. When the backend's model bundle is not
// installed, it falls back to the mock backend so the daemon still answers
// requests with placeholder output.
func buildEngine(c *config.Config, bus *events.Bus, metrics *telemetry.Metrics, tracer *telemetry.Tracer) (*engine.Engine, error) {
	registry := backend.NewRegistry(c.ModelsDir)
	registry.Register(backend.ONNXRuntime, backend.NewONNXRuntime)
	registry.Register(backend.OpenVINO, backend.NewOpenVINO)
	registry.Register(backend.CoreML, backend.NewCoreML)
	registry.Register(backend.Mock, backend.NewMockFactory(backend.MockScript{}))

	chunking := chunk.DefaultConfig()
	chunking.VADCuts = c.Chunking.VADCuts

	backendName := c.Backend
	var v *vocab.Vocabulary

	if backendName == "mock" {
		v = vocab.FromMap(nil)
	} else if err := models.Verify(c.ModelsDir, backendName); err != nil {
		log.Printf("WARN: %v", err)
		log.Printf("WARN: falling back to mock output; run 'parakeetd download %s' to install models", backendName)
		backendName = "mock"
		v = vocab.FromMap(nil)
	} else {
		vocabPath, err := models.VocabPath(c.ModelsDir, backendName)
		if err != nil {
			return nil, err
		}
		v, err = vocab.Load(vocabPath)
		if err != nil {
			return nil, fmt.Errorf("loading vocabulary: %w", err)
		}
	}

	eng := engine.New(engine.Deps{
		Registry: registry,
		Vocab:    v,
		Chunking: chunking,
		Bus:      bus,
		Metrics:  metrics,
		Tracer:   tracer,
	})

	if err := eng.SetBackend(backend.ID(backendName)); err != nil {
		return nil, fmt.Errorf("activating backend %s: %w", backendName, err)
	}
	return eng, nil
}

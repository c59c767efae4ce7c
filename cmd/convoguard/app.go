package main

import (
	"fmt"
	"time"

	"convoguard/internal/audit"
	"convoguard/internal/config"
	"convoguard/internal/embedding"
	"convoguard/internal/keywords"
	"convoguard/internal/knowledge"
	"convoguard/internal/llm"
	"convoguard/internal/logging"
	"convoguard/internal/orchestrator"
	"convoguard/internal/routing"
	"convoguard/internal/store"
	"convoguard/internal/supervisor"
	"convoguard/internal/usage"
)

// =============================================================================
// RUNTIME WIRING
// =============================================================================

// app holds the wired components for one tenant.
type app struct {
	cfg     *config.Config
	tenant  string
	tcfg    *config.TenantConfig
	store   *store.Store
	events  *logging.EventLog
	tracker *usage.Tracker
	filter  *keywords.Filter
	watcher *keywords.Watcher
	orch    *orchestrator.Orchestrator
}

// buildApp wires the full per-tenant stack from the loaded config.
func buildApp(cfg *config.Config, tenant string) (*app, error) {
	tcfg := cfg.Tenant(tenant)

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	events, err := logging.NewEventLog(cfg.DataDir)
	if err != nil {
		logging.BootError("Event log unavailable, continuing without: %v", err)
		events = nil
	}

	generator := llm.NewHTTPClient(llm.Config{
		APIKey:     tcfg.LLM.APIKey,
		BaseURL:    tcfg.LLM.BaseURL,
		Model:      tcfg.LLM.Model,
		Timeout:    tcfg.LLM.Timeout,
		MaxRetries: tcfg.LLM.MaxRetries,
	})

	supervisorModel := tcfg.LLM.SupervisorModel
	if supervisorModel == "" {
		supervisorModel = tcfg.LLM.Model
	}

	// Embedding is optional; retrieval degrades to QA + lexical without it.
	var embedder embedding.Embedder
	if tcfg.Embedding.Provider != "" {
		embedder, err = embedding.NewEngine(embedding.Config{
			Provider:       tcfg.Embedding.Provider,
			OllamaEndpoint: tcfg.Embedding.OllamaURL,
			OllamaModel:    tcfg.Embedding.Model,
			GenAIAPIKey:    tcfg.Embedding.APIKey,
			GenAIModel:     tcfg.Embedding.Model,
			Dimensions:     tcfg.Embedding.Dims,
		})
		if err != nil {
			logging.BootError("Embedding engine unavailable, retrieval degrades: %v", err)
			embedder = nil
		}
	}

	engine := knowledge.NewEngine(embedder, st)
	if tcfg.Paths.QAFile != "" {
		pairs, err := knowledge.LoadQAPairs(tcfg.Paths.QAFile)
		if err != nil {
			logging.BootError("QA file unavailable: %v", err)
		}
		engine.QAPairs = pairs
		logging.Boot("Loaded %d QA pairs", len(pairs))
	}

	var filter *keywords.Filter
	var watcher *keywords.Watcher
	if tcfg.Paths.Keywords != "" {
		cache := keywords.NewCache()
		filter = keywords.NewFilter(tcfg.Paths.Keywords, cache)
		watchPaths := []string{tcfg.Paths.Keywords}
		if tcfg.Paths.FallbackFile != "" {
			watchPaths = append(watchPaths, tcfg.Paths.FallbackFile)
		}
		if watcher, err = keywords.NewWatcher(cache, watchPaths...); err != nil {
			logging.BootError("Keyword watcher unavailable, mtime polling still applies: %v", err)
			watcher = nil
		}
	}

	primary, secondary := buildJudges(tcfg, generator, supervisorModel)

	pipeline := &audit.Pipeline{
		Generator: generator,
		Filter:    filter,
		Guard:     audit.NewStyleGuard(tcfg.Audit.MaxQuestionMarks),
		Primary:   primary,
		Secondary: secondary,
		Fallback:  audit.NewFallbackCache(tcfg.Paths.FallbackFile),
		Events:    events,
		Config: audit.Config{
			Enabled:           tcfg.Audit.Enabled,
			GuideStrength:     tcfg.Audit.GuideStrength,
			MaxRegenerations:  tcfg.Audit.MaxRegenerations,
			HandoffMessage:    tcfg.Audit.HandoffMessage,
			KBFallbackMessage: tcfg.Audit.KBFallbackMessage,
			ScheduleStart:     parseScheduleBound(tcfg.Audit.Schedule.Start),
			ScheduleEnd:       parseScheduleBound(tcfg.Audit.Schedule.End),
		},
	}

	tracker := usage.NewTracker(st)

	orch := &orchestrator.Orchestrator{
		Tenant:     tenant,
		Store:      st,
		Knowledge:  engine,
		Supervisor: supervisor.New(generator, st, supervisorModel),
		Resolver: routing.NewResolver(routing.Defaults{
			Model:       tcfg.Routing.DefaultModel,
			Temperature: tcfg.Routing.DefaultTemperature,
		}),
		Pipeline: pipeline,
		Tracker:  tracker,
		Events:   events,
		Worker:   orchestrator.NewWorker(4),
		Settings: orchestrator.Settings{
			SystemPrompt:   tcfg.SystemPrompt,
			BindingProfile: tcfg.Routing.BindingProfile,
			KBTopN:         tcfg.Routing.KBTopN,
			HandoffMessage: tcfg.Audit.HandoffMessage,
		},
	}

	return &app{
		cfg:     cfg,
		tenant:  tenant,
		tcfg:    tcfg,
		store:   st,
		events:  events,
		tracker: tracker,
		filter:  filter,
		watcher: watcher,
		orch:    orch,
	}, nil
}

// buildJudges maps the audit mode onto the judge pair. Dual mode runs the
// local judge first and only consults the remote servers after a local pass.
func buildJudges(tcfg *config.TenantConfig, client llm.Client, model string) (primary, secondary audit.Judge) {
	local := audit.NewLocalJudge(client, model)
	switch tcfg.Audit.Mode {
	case "remote":
		return audit.NewRemoteJudge(tcfg.Audit.Servers, tcfg.Audit.RemoteTimeout), nil
	case "dual":
		return local, audit.NewRemoteJudge(tcfg.Audit.Servers, tcfg.Audit.RemoteTimeout)
	default:
		return local, nil
	}
}

func parseScheduleBound(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	bound, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logging.BootError("Unparsable audit schedule bound %q ignored: %v", raw, err)
		return time.Time{}
	}
	return bound
}

// close flushes and releases everything buildApp opened.
func (a *app) close() {
	a.orch.Worker.Wait()
	a.tracker.Flush()
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.events != nil {
		_ = a.events.Close()
	}
	_ = a.store.Close()
}

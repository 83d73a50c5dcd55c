package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/synaptic-view/core"
	"github.com/signalsfoundry/synaptic-view/internal/config"
	"github.com/signalsfoundry/synaptic-view/internal/inspector"
	"github.com/signalsfoundry/synaptic-view/internal/logging"
	"github.com/signalsfoundry/synaptic-view/internal/selection"
	"github.com/signalsfoundry/synaptic-view/kb"
	"github.com/signalsfoundry/synaptic-view/model"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Inspector.HTTPAddr = ""
	cfg.Inspector.GRPCAddr = ""
	cfg.Metrics.Addr = ""
	cfg.Logging.Level = "warn"
	return cfg
}

func TestRunAppAcceleratedStopsAtMaxTicks(t *testing.T) {
	cfg := testConfig()
	cfg.Simulation.Accelerated = true
	cfg.Simulation.MaxTicks = 120
	cfg.Inspector.RenderEvery = 60

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := runApp(ctx, cfg, logging.Noop(), &out); err != nil {
		t.Fatalf("runApp: %v", err)
	}

	text := out.String()
	for _, want := range []string{"tick 60  entities 2", "tick 120  entities 2"} {
		if !strings.Contains(text, want) {
			t.Fatalf("render output missing %q:\n%s", want, text)
		}
	}
	if got := strings.Count(text, "o"); got < 2 {
		t.Fatalf("expected both agents drawn, output:\n%s", text)
	}
}

func TestAppServesInspectorWhileRunning(t *testing.T) {
	cfg := testConfig()
	cfg.Simulation.TickRate = 200
	cfg.Simulation.SnapshotEvery = 5
	cfg.Simulation.IdentityRefreshEvery = 5
	cfg.Inspector.HTTPAddr = "127.0.0.1:0"
	cfg.Inspector.GRPCAddr = "127.0.0.1:0"

	a, err := newApp(cfg, logging.Noop(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("app did not stop")
		}
	}()

	base := "http://" + a.httpLis.Addr().String()
	waitFor(t, func() bool {
		resp, err := http.Get(base + "/api/entities")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var view inspector.EntitiesView
		return json.NewDecoder(resp.Body).Decode(&view) == nil && len(view.IDs) == 2
	})

	conn, err := grpc.NewClient(a.grpcLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := inspector.NewInspectorClient(conn)

	rpcCtx, rpcCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rpcCancel()
	if _, err := client.Select(rpcCtx, wrapperspb.UInt64(2)); err != nil {
		t.Fatalf("Select: %v", err)
	}

	waitFor(t, func() bool {
		s, err := client.GetSnapshot(rpcCtx, &emptypb.Empty{})
		if err != nil {
			return false
		}
		view, err := inspector.SnapshotViewFromStruct(s)
		return err == nil && view.View == "entity" && view.EntityID == 2
	})
}

func TestAppRevertsSelectionWhenEntityRemoved(t *testing.T) {
	a, err := newApp(testConfig(), logging.Noop(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.unwatchStore()

	ids := a.store.ListIdentities()
	if len(ids) != 2 {
		t.Fatalf("seeded %d entities, want 2", len(ids))
	}
	a.selection.Set(selection.Entity(ids[1]))

	a.store.Remove(ids[0])
	if got := a.selection.Load(); got != selection.Entity(ids[1]) {
		t.Fatalf("removing an unselected entity changed selection to %s", got)
	}

	a.store.Remove(ids[1])
	if !a.selection.Load().IsAggregate() {
		t.Fatalf("selection = %s after removal, want aggregate", a.selection.Load())
	}
}

func TestValidateConfigCommandAppliesFlags(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"validate-config", "--tick-rate", "30", "--max-ticks", "5", "--behavior", "bounce", "--http-addr", ""})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate-config: %v", err)
	}

	var got config.Config
	if err := yaml.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if got.Simulation.TickRate != 30 || got.Simulation.MaxTicks != 5 || got.Simulation.Behavior != "bounce" {
		t.Fatalf("flags not applied: %+v", got.Simulation)
	}
	if got.Inspector.HTTPAddr != "" {
		t.Fatalf("http addr = %q, want empty", got.Inspector.HTTPAddr)
	}
	if got.Simulation.SnapshotEvery != 15 {
		t.Fatalf("unset flag changed snapshot cadence to %d", got.Simulation.SnapshotEvery)
	}
}

func TestValidateConfigCommandRejectsInvalidValues(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"validate-config", "--snapshot-every", "0"})
	if err := root.Execute(); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("Execute = %v, want ErrInvalid", err)
	}
}

func TestValidateConfigReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synaptic-view.yaml")
	if err := os.WriteFile(path, []byte("simulation:\n  identity_refresh_every: 30\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"validate-config", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate-config: %v", err)
	}
	if !strings.Contains(out.String(), "identity_refresh_every: 30") {
		t.Fatalf("output does not reflect file:\n%s", out.String())
	}
}

func TestSeedAgents(t *testing.T) {
	store := kb.NewEntityStore()
	ids := seedAgents(store, core.DefaultGrid())
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("seeded ids = %v, want [1 2]", ids)
	}

	first, _ := store.Get(ids[0])
	if first.Position != (model.Position{X: 140, Y: 220}) {
		t.Fatalf("first agent at %+v, want (140,220)", first.Position)
	}
	if first.Status != model.StatusSpawned {
		t.Fatalf("first agent status = %q", first.Status)
	}
	if v, _ := first.Extra.Get("name"); v != "First Agent" {
		t.Fatalf("first agent name = %v", v)
	}
	if v, _ := first.Extra.Get("manual_spawn"); v != true {
		t.Fatalf("manual_spawn = %v, want true", v)
	}

	second, _ := store.Get(ids[1])
	if second.Position != (model.Position{X: 420, Y: 340}) {
		t.Fatalf("second agent at %+v, want (420,340)", second.Position)
	}
}

func TestBehaviorFor(t *testing.T) {
	g := core.DefaultGrid()
	for _, name := range []string{"", "drift", "Bounce", "static"} {
		if _, err := behaviorFor(name, g); err != nil {
			t.Fatalf("behaviorFor(%q): %v", name, err)
		}
	}
	if _, err := behaviorFor("teleport", g); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("behaviorFor(teleport) = %v, want ErrInvalid", err)
	}
}

func TestLoadDotEnvMissingFileIsIgnored(t *testing.T) {
	if err := loadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
}

func TestLoadDotEnvSetsVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SYNVIEW_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SYNVIEW_TEST_DOTENV") })
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv("SYNVIEW_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("SYNVIEW_TEST_DOTENV = %q", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

package trigger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"wgsync/config"
	"wgsync/internal/controller"
	"wgsync/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSyncer struct {
	mu       sync.Mutex
	runs     int
	degraded bool

	gate   chan struct{} // если задан, Sync ждёт освобождения
	notify chan struct{} // сигнал о входе в Sync
}

func (f *fakeSyncer) Sync(ctx context.Context) (*controller.SyncResult, error) {
	f.mu.Lock()
	f.runs++
	deg := f.degraded
	f.mu.Unlock()
	if f.notify != nil {
		select {
		case f.notify <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
		}
	}
	return &controller.SyncResult{Status: models.SyncCompleted, Degraded: deg}, nil
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func (f *fakeSyncer) setDegraded(v bool) {
	f.mu.Lock()
	f.degraded = v
	f.mu.Unlock()
}

func testCfg(mode string, dir string) *config.Config {
	cfg := &config.Config{}
	cfg.Sync.Mode = mode
	cfg.Sync.Interval = time.Hour // чтобы failsafe не мешал тестам
	cfg.Sync.Debounce = 50 * time.Millisecond
	cfg.WireGuard.ConfDir = dir
	return cfg
}

func startOrchestrator(t *testing.T, o *Orchestrator) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("orchestrator did not stop")
		}
	}
}

func TestBurstCoalescesIntoOneRun(t *testing.T) {
	syncer := &fakeSyncer{}
	o := New(syncer, testCfg("periodic", t.TempDir()))
	stop := startOrchestrator(t, o)
	defer stop()

	// стартовый прогон
	require.Eventually(t, func() bool { return syncer.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		o.Kick(SourceWebhook)
	}

	require.Eventually(t, func() bool { return syncer.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	// выдержка больше окна дебаунса: лишних прогонов не появляется
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, syncer.count(), "пять триггеров - один прогон")
}

func TestTriggerDuringRunYieldsOneFollowUp(t *testing.T) {
	syncer := &fakeSyncer{
		gate:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
	o := New(syncer, testCfg("periodic", t.TempDir()))
	stop := startOrchestrator(t, o)
	defer stop()

	// стартовый прогон висит на шлюзе
	<-syncer.notify
	o.Kick(SourceWebhook)
	o.Kick(SourceFile)
	o.Kick(SourceManual)
	syncer.gate <- struct{}{} // отпускаем первый прогон

	// три триггера во время работы дают ровно один догоняющий прогон
	<-syncer.notify
	syncer.gate <- struct{}{}
	require.Eventually(t, func() bool { return syncer.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, syncer.count())
}

func TestPeriodicModeRunsOnInterval(t *testing.T) {
	syncer := &fakeSyncer{}
	cfg := testCfg("periodic", t.TempDir())
	cfg.Sync.Interval = 40 * time.Millisecond
	cfg.Sync.Debounce = time.Millisecond
	o := New(syncer, cfg)
	stop := startOrchestrator(t, o)
	defer stop()

	require.Eventually(t, func() bool { return syncer.count() >= 3 }, 3*time.Second, 10*time.Millisecond)
}

func TestFileEventTriggersSync(t *testing.T) {
	dir := t.TempDir()
	syncer := &fakeSyncer{}
	o := New(syncer, testCfg("event-driven", dir))
	stop := startOrchestrator(t, o)
	defer stop()

	require.Eventually(t, func() bool { return syncer.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// не-conf файлы игнорируются
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, syncer.count())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "wg0.conf"), []byte("[Interface]\n"), 0o600))
	require.Eventually(t, func() bool { return syncer.count() == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestStateFollowsLifecycle(t *testing.T) {
	syncer := &fakeSyncer{
		gate:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
	o := New(syncer, testCfg("periodic", t.TempDir()))
	assert.Equal(t, "idle", o.State())

	stop := startOrchestrator(t, o)
	defer stop()

	// стартовый прогон висит на шлюзе
	<-syncer.notify
	assert.Equal(t, "running", o.State())
	syncer.gate <- struct{}{}
	require.Eventually(t, func() bool { return o.State() == "idle" }, 2*time.Second, 10*time.Millisecond)
}

func TestDegradedTracksLastRun(t *testing.T) {
	syncer := &fakeSyncer{}
	syncer.setDegraded(true)
	o := New(syncer, testCfg("periodic", t.TempDir()))
	stop := startOrchestrator(t, o)
	defer stop()

	require.Eventually(t, func() bool { return o.Degraded() }, 2*time.Second, 10*time.Millisecond)

	// control plane снова доступен: следующий прогон снимает флаг
	syncer.setDegraded(false)
	o.Kick(SourceManual)
	require.Eventually(t, func() bool { return !o.Degraded() }, 2*time.Second, 10*time.Millisecond)
}

func TestDebounceRestartsOnNewTrigger(t *testing.T) {
	syncer := &fakeSyncer{}
	cfg := testCfg("periodic", t.TempDir())
	cfg.Sync.Debounce = 200 * time.Millisecond
	o := New(syncer, cfg)
	stop := startOrchestrator(t, o)
	defer stop()

	require.Eventually(t, func() bool { return syncer.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// триггеры чаще окна: запуск сдвигается, но в итоге происходит
	for i := 0; i < 3; i++ {
		o.Kick(SourceWebhook)
		time.Sleep(80 * time.Millisecond)
	}
	assert.Equal(t, 1, syncer.count(), "до истечения окна тишины прогона нет")
	require.Eventually(t, func() bool { return syncer.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

package assetstore

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/javelinlab/throwsight/capture-agent/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), 50*1024*1024, 3, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Детерминированные имена: каждая копия на секунду новее предыдущей
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		base = base.Add(time.Second)
		return base
	}
	return s
}

// writeSource создаёт исходный файл актива.
func writeSource(t *testing.T, dir, name, content string) *model.CapturedAsset {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("запись исходного файла: %v", err)
	}
	return &model.CapturedAsset{
		SourceURI: path,
		SizeBytes: int64(len(content)),
		CreatedAt: time.Now().UTC(),
	}
}

// TestPersistCopiesSmallFile проверяет копирование малого файла в кэш.
func TestPersistCopiesSmallFile(t *testing.T) {
	s := newTestStore(t)
	srcDir := t.TempDir()

	asset := writeSource(t, srcDir, "rec.mp4", "video-bytes")
	persisted, err := s.Persist(asset)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if !persisted.IsCopy {
		t.Error("малый файл должен копироваться")
	}
	if filepath.Dir(persisted.FinalURI) != s.CacheDir() {
		t.Errorf("копия должна лежать в кэш-директории, получено %s", persisted.FinalURI)
	}
	name := filepath.Base(persisted.FinalURI)
	if !strings.HasPrefix(name, "javelin_throw_") || !strings.HasSuffix(name, ".mp4") {
		t.Errorf("неверный формат имени копии: %s", name)
	}

	data, err := os.ReadFile(persisted.FinalURI)
	if err != nil {
		t.Fatalf("чтение копии: %v", err)
	}
	if string(data) != "video-bytes" {
		t.Errorf("содержимое копии искажено: %q", data)
	}

	// Оригинал не изменён
	if _, err := os.Stat(asset.SourceURI); err != nil {
		t.Errorf("оригинал должен сохраниться: %v", err)
	}
}

// TestPersistLargeFileBypass проверяет, что файл больше порога
// никогда не копируется.
func TestPersistLargeFileBypass(t *testing.T) {
	s := newTestStore(t)

	asset := &model.CapturedAsset{
		SourceURI: "/videos/big_throw.mp4",
		SizeBytes: 60 * 1024 * 1024,
	}

	persisted, err := s.Persist(asset)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if persisted.IsCopy {
		t.Error("большой файл не должен копироваться")
	}
	if persisted.FinalURI != NormalizeURI(asset.SourceURI) {
		t.Errorf("ожидалась нормализованная ссылка на оригинал, получено %s", persisted.FinalURI)
	}

	entries, _ := os.ReadDir(s.CacheDir())
	if len(entries) != 0 {
		t.Errorf("кэш должен остаться пустым, найдено %d файлов", len(entries))
	}
}

// TestPersistDegradesOnCopyFailure проверяет деградацию при ошибке
// копирования: ссылка на оригинал вместо отказа.
func TestPersistDegradesOnCopyFailure(t *testing.T) {
	s := newTestStore(t)

	asset := &model.CapturedAsset{
		SourceURI: filepath.Join(t.TempDir(), "missing.mp4"),
		SizeBytes: 100,
	}

	persisted, err := s.Persist(asset)
	if err != nil {
		t.Fatalf("Persist должен деградировать, а не падать: %v", err)
	}
	if persisted.IsCopy {
		t.Error("при деградации копия не создаётся")
	}
	if persisted.FinalURI != NormalizeURI(asset.SourceURI) {
		t.Errorf("ожидалась ссылка на оригинал, получено %s", persisted.FinalURI)
	}
}

// TestCacheBound проверяет границу кэша: после N > 3 сохранений
// остаются ровно 3 новейшие копии.
func TestCacheBound(t *testing.T) {
	s := newTestStore(t)
	srcDir := t.TempDir()

	var finals []string
	for i := 0; i < 5; i++ {
		asset := writeSource(t, srcDir, "rec.mp4", "clip")
		persisted, err := s.Persist(asset)
		if err != nil {
			t.Fatalf("Persist #%d: %v", i, err)
		}
		finals = append(finals, persisted.FinalURI)
	}

	s.pruneWG.Wait()
	s.Prune()

	names, err := s.listCached()
	if err != nil {
		t.Fatalf("listCached: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("ожидалось 3 копии, найдено %d: %v", len(names), names)
	}

	// Остались именно 3 новейшие
	for _, uri := range finals[2:] {
		if _, err := os.Stat(uri); err != nil {
			t.Errorf("новейшая копия должна сохраниться: %s", uri)
		}
	}
	for _, uri := range finals[:2] {
		if _, err := os.Stat(uri); !os.IsNotExist(err) {
			t.Errorf("старейшая копия должна быть удалена: %s", uri)
		}
	}
}

// TestPruneRespectsLeases проверяет, что арендованный файл переживает
// eviction и удаляется только после освобождения аренды.
func TestPruneRespectsLeases(t *testing.T) {
	s := newTestStore(t)
	srcDir := t.TempDir()

	var finals []string
	for i := 0; i < 3; i++ {
		asset := writeSource(t, srcDir, "rec.mp4", "clip")
		persisted, err := s.Persist(asset)
		if err != nil {
			t.Fatalf("Persist #%d: %v", i, err)
		}
		finals = append(finals, persisted.FinalURI)
	}
	s.pruneWG.Wait()

	// Аренда берётся до того, как кэш выйдет за границу
	oldest := finals[0]
	s.AcquireLease(oldest)

	asset := writeSource(t, srcDir, "rec.mp4", "clip")
	if _, err := s.Persist(asset); err != nil {
		t.Fatalf("Persist #3: %v", err)
	}
	s.pruneWG.Wait()
	s.Prune()

	if _, err := os.Stat(oldest); err != nil {
		t.Fatalf("арендованный файл не должен удаляться: %v", err)
	}

	s.ReleaseLease(oldest)
	s.Prune()

	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Error("после снятия аренды файл должен удаляться следующим eviction-ом")
	}
}

// TestReleaseLeaseIdempotent проверяет снятие несуществующей аренды.
func TestReleaseLeaseIdempotent(t *testing.T) {
	s := newTestStore(t)

	s.ReleaseLease("/nonexistent")

	s.AcquireLease("/a")
	s.AcquireLease("/a")
	s.ReleaseLease("/a")
	if !s.isLeased("/a") {
		t.Error("вторая аренда должна оставаться активной")
	}
	s.ReleaseLease("/a")
	if s.isLeased("/a") {
		t.Error("аренда должна быть полностью снята")
	}
}

// TestReserveNameCollision проверяет уникальность имён при совпадении
// метки времени.
func TestReserveNameCollision(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	srcDir := t.TempDir()
	a1 := writeSource(t, srcDir, "a.mp4", "one")
	a2 := writeSource(t, srcDir, "b.mp4", "two")

	p1, err := s.Persist(a1)
	if err != nil {
		t.Fatalf("Persist a1: %v", err)
	}
	p2, err := s.Persist(a2)
	if err != nil {
		t.Fatalf("Persist a2: %v", err)
	}

	if p1.FinalURI == p2.FinalURI {
		t.Errorf("имена копий должны быть уникальны: %s", p1.FinalURI)
	}
}

// TestNormalizeURI проверяет нормализацию URI устройства.
func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"file:///videos/throw.mp4", "/videos/throw.mp4"},
		{"/videos/throw.mp4", "/videos/throw.mp4"},
		{"/videos//throw.mp4", "/videos/throw.mp4"},
		{"/videos/../throw.mp4", "/throw.mp4"},
	}

	for _, tt := range tests {
		if got := NormalizeURI(tt.uri); got != tt.want {
			t.Errorf("NormalizeURI(%q): ожидалось %q, получено %q", tt.uri, tt.want, got)
		}
	}
}

// TestPersistExistingCopy проверяет, что повторный Persist пути из кэша
// не создаёт дубликат.
func TestPersistExistingCopy(t *testing.T) {
	s := newTestStore(t)
	srcDir := t.TempDir()

	asset := writeSource(t, srcDir, "rec.mp4", "video-bytes")
	first, err := s.Persist(asset)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	s.pruneWG.Wait()

	again := &model.CapturedAsset{
		SourceURI: first.FinalURI,
		SizeBytes: first.SizeBytes,
		CreatedAt: time.Now().UTC(),
	}
	second, err := s.Persist(again)
	if err != nil {
		t.Fatalf("повторный Persist: %v", err)
	}

	if second.FinalURI != first.FinalURI {
		t.Errorf("ожидался тот же путь %s, получено %s", first.FinalURI, second.FinalURI)
	}
	if !second.IsCopy {
		t.Error("существующая копия должна оставаться копией")
	}

	names, err := s.listCached()
	if err != nil {
		t.Fatalf("listCached: %v", err)
	}
	if len(names) != 1 {
		t.Errorf("в кэше %d файлов, ожидался 1", len(names))
	}
}

// TestPersistConcurrentUniqueNames проверяет, что параллельные Persist
// в пределах одной миллисекундной метки получают разные имена копий
// и каждая копия содержит данные своего исходного файла.
func TestPersistConcurrentUniqueNames(t *testing.T) {
	s, err := New(t.TempDir(), 50*1024*1024, 100, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	srcDir := t.TempDir()
	const workers = 8

	assets := make([]*model.CapturedAsset, workers)
	for i := 0; i < workers; i++ {
		assets[i] = writeSource(t, srcDir, fmt.Sprintf("src%d.mp4", i), fmt.Sprintf("payload-%d", i))
	}

	results := make([]*model.PersistedAsset, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Persist(assets[i])
		}(i)
	}
	wg.Wait()
	s.pruneWG.Wait()

	seen := make(map[string]int)
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("Persist %d: %v", i, errs[i])
		}
		if prev, ok := seen[results[i].FinalURI]; ok {
			t.Fatalf("копии %d и %d получили одно имя: %s", prev, i, results[i].FinalURI)
		}
		seen[results[i].FinalURI] = i

		data, err := os.ReadFile(results[i].FinalURI)
		if err != nil {
			t.Fatalf("чтение копии %d: %v", i, err)
		}
		if want := fmt.Sprintf("payload-%d", i); string(data) != want {
			t.Errorf("копия %d: содержимое %q, ожидается %q", i, string(data), want)
		}
	}
}

// Пакет assetstore — Local Asset Store: решение о размещении записанного
// актива и кэш с ограничением на число копий.
//
// Правила размещения:
//   - файл больше порога — копия не создаётся, актив ссылается на оригинал
//   - ошибка копирования — деградация до ссылки на оригинал, не отказ
//   - копия пишется по паттерну temp файл → fsync → atomic rename
//
// Eviction: после каждого Persist асинхронно запускается Prune,
// оставляющий не более maxCached новейших копий. Файл с активной
// арендой (открыт плеером или ожидает загрузки) не удаляется никогда.
package assetstore

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/javelinlab/throwsight/capture-agent/internal/domain/model"
)

// filePrefix — префикс имён копий в кэш-директории.
// Epoch-миллисекунды фиксированной ширины: лексикографический порядок
// имён совпадает с хронологическим и служит ключом eviction.
const filePrefix = "javelin_throw_"

// videoExtensions — расширения, учитываемые при eviction.
var videoExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".avi": true,
}

// Prometheus метрики кэша
var (
	// cachedAssets — текущее число копий в кэш-директории.
	cachedAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ca_cached_assets",
		Help: "Текущее количество копий в кэш-директории",
	})

	// persistTotal — количество операций Persist по исходу.
	persistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ca_persist_total",
			Help: "Общее количество операций сохранения актива",
		},
		[]string{"placement"},
	)

	// pruneRunsTotal — количество запусков Prune.
	pruneRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ca_prune_runs_total",
		Help: "Общее количество запусков eviction",
	})

	// pruneDeletedTotal — количество удалённых eviction-ом файлов.
	pruneDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ca_prune_deleted_total",
		Help: "Общее количество файлов, удалённых eviction-ом",
	})
)

// Store — Local Asset Store.
type Store struct {
	cacheDir       string
	largeThreshold int64
	maxCached      int
	logger         *slog.Logger
	now            func() time.Time

	mu     sync.Mutex
	leases map[string]int // finalURI → число активных аренд

	pruneMu sync.Mutex // защита от параллельного Prune
	pruneWG sync.WaitGroup
}

// New создаёт Local Asset Store. Кэш-директория создаётся при
// необходимости.
//
// Параметры:
//   - cacheDir: директория копий (CA_CACHE_DIR)
//   - largeThreshold: порог большого файла в байтах (CA_LARGE_FILE_THRESHOLD)
//   - maxCached: максимум хранимых копий (CA_MAX_CACHED_ASSETS)
//   - logger: логгер
func New(cacheDir string, largeThreshold int64, maxCached int, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать кэш-директорию %s: %w", cacheDir, err)
	}

	return &Store{
		cacheDir:       cacheDir,
		largeThreshold: largeThreshold,
		maxCached:      maxCached,
		logger:         logger.With(slog.String("component", "assetstore")),
		now:            time.Now,
		leases:         make(map[string]int),
	}, nil
}

// Persist принимает решение о размещении актива.
//
// Большой файл (> largeThreshold) никогда не копируется: возвращается
// нормализованная ссылка на оригинал. Иначе создаётся копия в
// кэш-директории; при ошибке копирования операция деградирует до
// ссылки на оригинал — пользователь продолжает работу.
//
// Persist завершается до возврата: вызывающий код может сразу читать
// FinalURI. Асинхронен только eviction.
func (s *Store) Persist(asset *model.CapturedAsset) (*model.PersistedAsset, error) {
	if asset == nil || asset.SourceURI == "" {
		return nil, fmt.Errorf("актив не задан")
	}

	// Файл уже лежит в кэше (повторная отправка копии) — не дублируем
	if normalized := NormalizeURI(asset.SourceURI); s.isCachedCopy(normalized) {
		persistTotal.WithLabelValues("existing").Inc()
		return &model.PersistedAsset{
			FinalURI:  normalized,
			IsCopy:    true,
			SizeBytes: asset.SizeBytes,
		}, nil
	}

	if asset.SizeBytes > s.largeThreshold {
		persistTotal.WithLabelValues("reference").Inc()
		s.logger.Info("Большой файл: копия не создаётся",
			slog.String("source", asset.SourceURI),
			slog.Int64("size", asset.SizeBytes),
		)
		return &model.PersistedAsset{
			FinalURI:  NormalizeURI(asset.SourceURI),
			IsCopy:    false,
			SizeBytes: asset.SizeBytes,
		}, nil
	}

	finalPath, err := s.copyToCache(asset)
	if err != nil {
		// Деградация: ошибка копирования не блокирует пользователя
		persistTotal.WithLabelValues("degraded").Inc()
		s.logger.Warn("Копирование в кэш не удалось, используется оригинал",
			slog.String("source", asset.SourceURI),
			slog.String("error", err.Error()),
		)
		return &model.PersistedAsset{
			FinalURI:  NormalizeURI(asset.SourceURI),
			IsCopy:    false,
			SizeBytes: asset.SizeBytes,
		}, nil
	}

	persistTotal.WithLabelValues("copy").Inc()
	s.logger.Info("Актив скопирован в кэш",
		slog.String("source", asset.SourceURI),
		slog.String("final", finalPath),
	)

	// Eviction не блокирует продолжение (переход к следующему шагу)
	s.pruneWG.Add(1)
	go func() {
		defer s.pruneWG.Done()
		s.Prune()
	}()

	return &model.PersistedAsset{
		FinalURI:  finalPath,
		IsCopy:    true,
		SizeBytes: asset.SizeBytes,
	}, nil
}

// copyToCache копирует файл актива в кэш-директорию.
// Паттерн: temp файл → запись → fsync → atomic rename.
func (s *Store) copyToCache(asset *model.CapturedAsset) (string, error) {
	src, err := os.Open(NormalizeURI(asset.SourceURI))
	if err != nil {
		return "", fmt.Errorf("открытие оригинала: %w", err)
	}
	defer src.Close()

	finalPath, dst, err := s.reserveName()
	if err != nil {
		return "", err
	}
	tmpPath := finalPath + ".tmp"

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("копирование данных: %w", err)
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("fsync: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("закрытие файла: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("атомарное переименование: %w", err)
	}

	return finalPath, nil
}

// reserveName генерирует имя копии javelin_throw_<epoch-millis>.mp4
// и атомарно резервирует его, эксклюзивно создавая временный файл
// (O_EXCL): параллельные Persist в одной миллисекунде не могут занять
// одно имя. При коллизии метка увеличивается — формат имени (и порядок
// сортировки) сохраняется.
func (s *Store) reserveName() (string, *os.File, error) {
	ts := s.now().UnixMilli()
	for i := 0; i < 1000; i++ {
		path := filepath.Join(s.cacheDir, fmt.Sprintf("%s%d.mp4", filePrefix, ts))
		if _, err := os.Stat(path); err == nil {
			ts++
			continue
		}

		tmp, err := os.OpenFile(path+".tmp", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err != nil {
			if os.IsExist(err) {
				ts++
				continue
			}
			return "", nil, fmt.Errorf("создание временного файла: %w", err)
		}
		return path, tmp, nil
	}
	return "", nil, fmt.Errorf("не удалось подобрать свободное имя в %s", s.cacheDir)
}

// Prune выполняет один цикл eviction: оставляет не более maxCached
// новейших копий. Удаление идемпотентно — отсутствие файла не ошибка,
// параллельные запуски безопасны. Файлы с активной арендой
// пропускаются и будут удалены следующим запуском после освобождения.
func (s *Store) Prune() {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	pruneRunsTotal.Inc()

	names, err := s.listCached()
	if err != nil {
		s.logger.Error("Eviction: ошибка чтения кэш-директории",
			slog.String("error", err.Error()),
		)
		return
	}

	cachedAssets.Set(float64(len(names)))
	if len(names) <= s.maxCached {
		return
	}

	// Сортировка по имени по убыванию: новейшие первыми
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	deleted := 0
	for _, name := range names[s.maxCached:] {
		path := filepath.Join(s.cacheDir, name)
		if s.isLeased(path) {
			s.logger.Debug("Eviction: файл арендован, пропуск",
				slog.String("path", path),
			)
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Error("Eviction: ошибка удаления",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		pruneDeletedTotal.Add(float64(deleted))
		cachedAssets.Set(float64(len(names) - deleted))
		s.logger.Info("Eviction завершён",
			slog.Int("deleted", deleted),
			slog.Int("kept", len(names)-deleted),
		)
	}
}

// isCachedCopy проверяет, является ли путь существующей копией в кэше.
func (s *Store) isCachedCopy(path string) bool {
	dir, name := filepath.Split(path)
	if filepath.Clean(dir) != filepath.Clean(s.cacheDir) {
		return false
	}
	if !strings.HasPrefix(name, filePrefix) {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// listCached возвращает имена копий в кэш-директории.
func (s *Store) listCached() ([]string, error) {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) {
			continue
		}
		if !videoExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// AcquireLease регистрирует потребителя актива (плеер, загрузка).
// Пока аренда активна, eviction не удаляет файл.
func (s *Store) AcquireLease(finalURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[finalURI]++
}

// ReleaseLease снимает аренду. Снятие несуществующей аренды — no-op.
func (s *Store) ReleaseLease(finalURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[finalURI] <= 1 {
		delete(s.leases, finalURI)
		return
	}
	s.leases[finalURI]--
}

// isLeased проверяет наличие активной аренды.
func (s *Store) isLeased(finalURI string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[finalURI] > 0
}

// CacheDir возвращает путь к кэш-директории.
func (s *Store) CacheDir() string {
	return s.cacheDir
}

// NormalizeURI приводит URI устройства к платформенному пути:
// срезает схему file:// и нормализует раздел пути.
func NormalizeURI(uri string) string {
	path := strings.TrimPrefix(uri, "file://")
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

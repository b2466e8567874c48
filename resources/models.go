package resources

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/lifecycle/internal/logging"
	"github.com/vkngwrapper/lifecycle/suballoc"
	"golang.org/x/sync/semaphore"
)

// ErrModelLoaded is returned when loading a model whose name is already loaded
var ErrModelLoaded = errors.New("model is already loaded")

// ErrModelNotLoaded is returned when unloading a model that is not loaded
var ErrModelNotLoaded = errors.New("model is not loaded")

// ModelData is the CPU-side content of a model, keyed by buffer class
type ModelData struct {
	Name     string
	Payloads map[string][]byte
}

// Size is the total number of payload bytes
func (d ModelData) Size() int {
	var size int
	for _, payload := range d.Payloads {
		size += len(payload)
	}
	return size
}

// Model is a loaded model: one block per buffer class it has data for
type Model struct {
	name    string
	classes []string
	blocks  map[string]*suballoc.Block
}

// Name identifies the model
func (m *Model) Name() string { return m.name }

// Classes lists the buffer classes the model occupies, in pool order
func (m *Model) Classes() []string {
	return append([]string(nil), m.classes...)
}

// Block returns the model's block in a buffer class
func (m *Model) Block(class string) (*suballoc.Block, bool) {
	block, ok := m.blocks[class]
	return block, ok
}

// ModelStore loads models into Pools and tracks which are resident
type ModelStore struct {
	logger  *slog.Logger
	pools   *Pools
	workers int64

	mutex  sync.Mutex
	models *swiss.Map[string, *Model]
}

// NewModelStore creates a store over pools. LoadAll uploads at most workers models at once.
func NewModelStore(logger *slog.Logger, pools *Pools, workers int) (*ModelStore, error) {
	if pools == nil {
		return nil, errors.New("a model store requires pools")
	}
	if workers < 1 {
		return nil, errors.Newf("a model store requires at least one worker, got %d", workers)
	}

	return &ModelStore{
		logger:  logging.OrDiscard(logger),
		pools:   pools,
		workers: int64(workers),
		models:  swiss.NewMap[string, *Model](42),
	}, nil
}

// Count is the number of resident models
func (s *ModelStore) Count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.models.Count()
}

// Model returns a resident model by name
func (s *ModelStore) Model(name string) (*Model, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.models.Get(name)
}

// Load leases a block in each buffer class the model has data for and uploads the data. If any lease or
// upload fails, the blocks already leased for the model are freed before returning, leaving the pools as
// they were.
func (s *ModelStore) Load(data ModelData) (*Model, error) {
	s.logger.Debug("ModelStore::Load", slog.String("model", data.Name))

	if data.Name == "" {
		return nil, errors.New("attempted to load a model with no name")
	}

	for class := range data.Payloads {
		if _, ok := s.pools.Pool(class); !ok {
			return nil, errors.Newf("model %s has data for unknown buffer class %s", data.Name, class)
		}
	}

	if _, loaded := s.Model(data.Name); loaded {
		return nil, errors.Wrapf(ErrModelLoaded, "model %s", data.Name)
	}

	model := &Model{
		name:   data.Name,
		blocks: make(map[string]*suballoc.Block, len(data.Payloads)),
	}

	for _, class := range s.pools.Names() {
		payload, ok := data.Payloads[class]
		if !ok || len(payload) == 0 {
			continue
		}

		err := s.upload(model, class, payload)
		if err != nil {
			s.logger.Warn("model load failed, rolling back",
				slog.String("model", data.Name),
				slog.String("class", class),
				slog.Any("error", err),
			)
			return nil, errors.CombineErrors(
				errors.Wrapf(err, "failed to load model %s", data.Name),
				s.rollback(model),
			)
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, loaded := s.models.Get(data.Name); loaded {
		return nil, errors.CombineErrors(
			errors.Wrapf(ErrModelLoaded, "model %s", data.Name),
			s.rollback(model),
		)
	}
	s.models.Put(data.Name, model)

	s.logger.Info("model loaded",
		slog.String("model", data.Name),
		slog.Int("bytes", data.Size()),
		slog.Int("classes", len(model.classes)),
	)
	return model, nil
}

func (s *ModelStore) upload(model *Model, class string, payload []byte) error {
	pool, _ := s.pools.Pool(class)

	block, err := pool.Lease(len(payload))
	if err != nil {
		return errors.Wrapf(err, "buffer class %s", class)
	}
	block.SetName(model.name)

	model.classes = append(model.classes, class)
	model.blocks[class] = block

	err = block.Write(payload, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to upload into buffer class %s", class)
	}

	return nil
}

// rollback frees blocks immediately, since nothing has been submitted that could read them
func (s *ModelStore) rollback(model *Model) error {
	var err error
	for _, class := range model.classes {
		err = errors.CombineErrors(err, model.blocks[class].Free())
	}

	model.classes = nil
	model.blocks = nil
	return err
}

// LoadAll loads models concurrently on a pool of workers. A failure does not stop the batch: every model
// that loaded is returned in input order, along with the combined errors of those that did not. Cancelling
// ctx stops models that have not started from loading.
func (s *ModelStore) LoadAll(ctx context.Context, models []ModelData) ([]*Model, error) {
	s.logger.Debug("ModelStore::LoadAll", slog.Int("count", len(models)))

	loaded := make([]*Model, len(models))
	errs := make([]error, len(models))

	sem := semaphore.NewWeighted(s.workers)
	var wg sync.WaitGroup

	for index := range models {
		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}
		if err != nil {
			for remaining := index; remaining < len(models); remaining++ {
				errs[remaining] = errors.Wrapf(err, "model %s was not loaded", models[remaining].Name)
			}
			break
		}

		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer sem.Release(1)

			loaded[index], errs[index] = s.Load(models[index])
		}(index)
	}

	wg.Wait()

	var result []*Model
	var err error
	for index := range models {
		if errs[index] != nil {
			err = errors.CombineErrors(err, errs[index])
			continue
		}
		result = append(result, loaded[index])
	}

	return result, err
}

// Unload removes the model from the store and returns its blocks. The GPU may still be reading them, so
// they are retired behind signal, typically the pacer's retirement signal, and reclaimed by Collect. A nil
// signal frees the blocks immediately, which is only safe once no frame that used them is in flight.
func (s *ModelStore) Unload(model *Model, signal suballoc.CompletionSignal) error {
	s.logger.Debug("ModelStore::Unload", slog.String("model", model.name))

	s.mutex.Lock()
	resident, ok := s.models.Get(model.name)
	if !ok || resident != model {
		s.mutex.Unlock()
		return errors.Wrapf(ErrModelNotLoaded, "model %s", model.name)
	}
	s.models.Delete(model.name)
	s.mutex.Unlock()

	var err error
	for _, class := range model.classes {
		block := model.blocks[class]
		if signal == nil {
			err = errors.CombineErrors(err, block.Free())
		} else {
			err = errors.CombineErrors(err, block.FreeAfter(signal))
		}
	}

	return err
}

// Collect reclaims the blocks of unloaded models whose frames have completed
func (s *ModelStore) Collect() (int, error) {
	return s.pools.CollectRetired()
}

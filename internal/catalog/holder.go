package catalog

import (
	"errors"
	"io/fs"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/canvasbanana/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("catalog",
	fx.Provide(NewHolderFromConfig),
)

// Holder serves the current catalog and swaps it when packages.yml changes.
type Holder struct {
	current atomic.Value // holds Catalog
}

// NewStaticHolder serves a fixed catalog.
func NewStaticHolder(c Catalog) (*Holder, error) {
	c = c.normalized()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	h := &Holder{}
	h.current.Store(c)
	return h, nil
}

func NewHolderFromConfig(cfg config.Config, log *zap.Logger) (*Holder, error) {
	return NewHolder(cfg.Credits.PackagesFile, log)
}

// NewHolder loads the catalog from file, or from packages.yml in the usual
// config directories when file is empty. Defaults apply when no file exists.
func NewHolder(file string, log *zap.Logger) (*Holder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("catalog")

	v := viper.New()
	if file = strings.TrimSpace(file); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("packages")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/canvasbanana")
		v.AddConfigPath(".")
	}

	loaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		loaded = false
	}

	cat := DefaultCatalog().normalized()
	if loaded {
		var err error
		if cat, err = decodeCatalog(v); err != nil {
			return nil, err
		}
	}

	h := &Holder{}
	h.current.Store(cat)

	if !loaded {
		log.Info("no package catalog file, using defaults")
		return h, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCatalog(v)
		if err != nil {
			log.Warn("invalid catalog ignored", zap.Error(err))
			return
		}
		h.current.Store(updated)
		log.Info("catalog reloaded", zap.String("file", e.Name), zap.Int64s("amounts", updated.Amounts()))
	})
	v.WatchConfig()

	log.Info("catalog loaded", zap.String("file", v.ConfigFileUsed()), zap.Int64s("amounts", cat.Amounts()))
	return h, nil
}

// decodeCatalog reads the file contents alone. Fields the file omits stay
// zero and are never taken from the defaults.
func decodeCatalog(v *viper.Viper) (Catalog, error) {
	var cat Catalog
	if err := v.Unmarshal(&cat); err != nil {
		return Catalog{}, err
	}
	cat = cat.normalized()
	if err := cat.Validate(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

func (h *Holder) Get() Catalog {
	return h.current.Load().(Catalog)
}

// Lookup resolves credits against the current catalog.
func (h *Holder) Lookup(credits int64) (Package, error) {
	return h.Get().Lookup(credits)
}

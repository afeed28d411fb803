package app

import (
	"fmt"
	"os"
	"strings"

	"gorm.io/gorm"

	"github.com/yungbote/thumbnailer/internal/clients/gcs"
	"github.com/yungbote/thumbnailer/internal/clients/rediscache"
	"github.com/yungbote/thumbnailer/internal/db"
	"github.com/yungbote/thumbnailer/internal/domain"
	"github.com/yungbote/thumbnailer/internal/platform/envutil"
	"github.com/yungbote/thumbnailer/internal/platform/logger"
	"github.com/yungbote/thumbnailer/internal/thumbnail"
)

// App bundles the wired process: logger, database, blob store, cache
// and the thumbnail engine with every record type registered.
type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Bucket gcs.BucketService
	Cache  *rediscache.Service
	Engine *thumbnail.Engine
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	bucket, err := gcs.NewBucketService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init bucket service: %w", err)
	}

	// The cache is an optimization; a process without Redis still
	// reconciles correctly, just rebuilds more often.
	var cache *rediscache.Service
	var cacheStore thumbnail.CacheStore
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "" {
		cache, err = rediscache.New(log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init redis cache: %w", err)
		}
		cacheStore = cache
	} else {
		log.Warn("REDIS_ADDR not set; thumbnail fingerprints disabled")
	}

	engine := thumbnail.NewEngine(log, bucket, cacheStore, envutil.String("APP_NAMESPACE", "app"))
	if err := theDB.Use(engine); err != nil {
		log.Sync()
		return nil, fmt.Errorf("install thumbnail engine: %w", err)
	}
	if err := engine.Register(
		&domain.MediaAsset{},
		&domain.UserProfile{},
	); err != nil {
		log.Sync()
		return nil, fmt.Errorf("register thumbnail declarations: %w", err)
	}

	return &App{
		Log:    log,
		DB:     theDB,
		Bucket: bucket,
		Cache:  cache,
		Engine: engine,
	}, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Cache != nil {
		_ = a.Cache.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

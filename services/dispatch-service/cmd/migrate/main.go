package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/config"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/logger"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/storage"
)

// Применяет миграции управляющей схемы: migrate [up|down|version]
func main() {
	configPath := flag.String("config", "", "имя файла конфигурации")
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewZapLogger(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		fmt.Printf("Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	url, err := cfg.MigrationURL()
	if err != nil {
		log.Fatal("Ошибка формирования адреса БД", interfaces.LogField{Key: "error", Value: err.Error()})
	}

	migrator, err := storage.NewMigrator(url, log)
	if err != nil {
		log.Fatal("Ошибка инициализации миграций", interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer migrator.Close()

	switch command {
	case "up":
		err = migrator.Up()
	case "down":
		err = migrator.Down()
	case "version":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = migrator.Version()
		if err == nil {
			log.Info("Версия схемы",
				interfaces.LogField{Key: "version", Value: version},
				interfaces.LogField{Key: "dirty", Value: dirty},
			)
		}
	default:
		log.Fatal("Неизвестная команда", interfaces.LogField{Key: "command", Value: command})
	}

	if err != nil {
		log.Fatal("Ошибка выполнения миграций",
			interfaces.LogField{Key: "command", Value: command},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// Command gatewayd is the Integration Gateway's process entrypoint: it loads
// configuration, opens Postgres when a DSN is configured, wires up zero or
// more poller sources, starts the admin HTTP surface and the inbound proxy
// surface, and runs until SIGINT/SIGTERM. Grounded on the teacher's
// cmd/appserver/main.go.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	app "github.com/r3e-labs/integration-gateway/internal/app"
	"github.com/r3e-labs/integration-gateway/internal/app/httpapi"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/postgres"
	"github.com/r3e-labs/integration-gateway/internal/platform/database"
	"github.com/r3e-labs/integration-gateway/internal/platform/migrations"
	"github.com/r3e-labs/integration-gateway/internal/services/poller"
	"github.com/r3e-labs/integration-gateway/pkg/config"
	"github.com/r3e-labs/integration-gateway/pkg/logger"
)

func main() {
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	addr := flag.String("addr", "", "admin HTTP listen address (overrides config)")
	inboundAddr := flag.String("inbound-addr", "", "inbound proxy HTTP listen address (overrides config)")
	mysqlDSN := flag.String("mysql-dsn", "", "DSN of the MySQL event-queue database (overrides MYSQL_SOURCE_DSN)")
	mysqlSources := flag.String("mysql-sources", "", "semicolon-separated table:sourceId:orgId triples to poll from the MySQL DSN")
	mongoSources := flag.String("mongo-sources", "", "semicolon-separated collection:sourceId:orgId triples to poll from the configured Mongo database")
	httpSources := flag.String("http-sources", "", "semicolon-separated url:sourceId:orgId triples to poll as HTTP event sources")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		host, port, err := splitHostPort(*addr)
		if err != nil {
			log.Fatalf("invalid -addr: %v", err)
		}
		cfg.Server.Host, cfg.Server.Port = host, port
	}
	if *inboundAddr != "" {
		host, port, err := splitHostPort(*inboundAddr)
		if err != nil {
			log.Fatalf("invalid -inbound-addr: %v", err)
		}
		cfg.Inbound.Host, cfg.Inbound.Port = host, port
	}

	log := logger.New(cfg.Logging)

	rootCtx := context.Background()

	dsnVal := resolveDSN(*dsn, cfg)
	stores := app.Stores{}

	var db *sql.DB
	if dsnVal != "" {
		db, err = database.Open(rootCtx, dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		defer db.Close()
		configurePool(db, cfg)
		if cfg.Database.MigrateOnStart {
			if err := migrations.Apply(rootCtx, db); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		store := postgres.New(db)
		stores = app.Stores{
			Events: store, Checkpoints: store, Integrations: store,
			Executions: store, DLQ: store, Schedules: store,
			Circuits: store, Alerts: store,
		}
	}

	pollers, closeSources := buildPollerSources(rootCtx, cfg, *mysqlDSN, *mysqlSources, *mongoSources, *httpSources, log)
	defer closeSources()

	application, err := app.New(cfg, stores, pollers, nil, log)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	adminAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	adminHandler := httpapi.New(application.Manager(), application.Stores.Executions, application.Retry, application.Circuits)
	adminSrv := httpapi.NewServer("admin-http", "ingress", adminAddr, adminHandler, log.Logger)
	if err := application.Attach(adminSrv); err != nil {
		log.Fatalf("attach admin http service: %v", err)
	}

	inboundSrvAddr := fmt.Sprintf("%s:%d", cfg.Inbound.Host, cfg.Inbound.Port)
	inboundSrv := httpapi.NewServer("inbound-http", "ingress", inboundSrvAddr, application.Inbound.Router(), log.Logger)
	if err := application.Attach(inboundSrv); err != nil {
		log.Fatalf("attach inbound http service: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	log.WithField("admin", adminAddr).WithField("inbound", inboundSrvAddr).Info("integration gateway listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	return strings.TrimSpace(cfg.Database.DSN)
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

// buildPollerSources parses the -mysql-sources/-mongo-sources/-http-sources
// flags into PollerSource values. Each triple is "identifier:sourceId:orgId"
// (table, collection, or URL as the identifier). Returns a cleanup func that
// closes any opened MySQL/Mongo handles.
func buildPollerSources(ctx context.Context, cfg *config.Config, mysqlDSN, mysqlSources, mongoSources, httpSources string, log logrus.FieldLogger) ([]app.PollerSource, func()) {
	var out []app.PollerSource
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if triples := splitTriples(mysqlSources); len(triples) > 0 {
		if strings.TrimSpace(mysqlDSN) == "" {
			log.Warn("mysql-sources configured without -mysql-dsn; skipping")
		} else {
			mdb, err := sql.Open("mysql", mysqlDSN)
			if err != nil {
				log.WithError(err).Warn("open mysql source database failed; skipping mysql pollers")
			} else {
				closers = append(closers, func() { mdb.Close() })
				for _, t := range triples {
					src := poller.NewMySQLSource(mdb, t.identifier, poller.DefaultColumnMapping())
					out = append(out, app.PollerSource{Source: src, SourceIdentifier: t.sourceID, OrgID: t.orgID})
				}
			}
		}
	}

	if triples := splitTriples(mongoSources); len(triples) > 0 {
		if strings.TrimSpace(cfg.Mongo.URI) == "" {
			log.Warn("mongo-sources configured without MONGO_URI; skipping")
		} else {
			client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
			if err != nil {
				log.WithError(err).Warn("connect to mongo failed; skipping mongo pollers")
			} else {
				closers = append(closers, func() { _ = client.Disconnect(ctx) })
				mongoDB := client.Database(cfg.Mongo.Database)
				for _, t := range triples {
					src := poller.NewMongoSource(mongoDB.Collection(t.identifier), poller.DefaultMongoFieldMapping())
					out = append(out, app.PollerSource{Source: src, SourceIdentifier: t.sourceID, OrgID: t.orgID})
				}
			}
		}
	}

	if triples := splitTriples(httpSources); len(triples) > 0 {
		client := &http.Client{Timeout: 30 * time.Second}
		for _, t := range triples {
			src := poller.NewHTTPSource(client, t.identifier, nil)
			out = append(out, app.PollerSource{Source: src, SourceIdentifier: t.sourceID, OrgID: t.orgID})
		}
	}

	return out, closeAll
}

type sourceTriple struct {
	identifier string
	sourceID   string
	orgID      string
}

func splitTriples(value string) []sourceTriple {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var out []sourceTriple
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		if len(fields) != 3 {
			continue
		}
		out = append(out, sourceTriple{identifier: fields[0], sourceID: fields[1], orgID: fields[2]})
	}
	return out
}

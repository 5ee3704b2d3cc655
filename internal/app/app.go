// Package app はサブコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/authstore/internal/adapter"
	"github.com/hitoshi/authstore/internal/config"
	"github.com/hitoshi/authstore/internal/handler"
	"github.com/hitoshi/authstore/internal/logger"
	"github.com/hitoshi/authstore/internal/metrics"
	"github.com/hitoshi/authstore/internal/store"
	"github.com/hitoshi/authstore/internal/worker/cleanup"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// カレントディレクトリに.envがあれば読み込み、環境変数からConfigを読み込み、
// JSON構造化ログをセットアップする。すでに設定済みの環境変数は.envで上書きしない。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if !cmd.NeedsConfig() {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", cmd.String()),
		slog.String("backend", cfg.Backend),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はサーバーモードで起動する。
// バックエンドに接続し、/healthと/metricsを公開するHTTPサーバーを起動する。
// memoryバックエンドはプロセス内にしか状態がないため、クリーンアップもここで実行する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	reg, collector := newMetrics()

	st, err := openStore(ctx, cfg, collector)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Backend == config.BackendMemory && st.Purger != nil {
		job := cleanup.NewJob(st.Purger, collector, slog.Default())
		go job.Start(ctx, cfg.CleanupInterval)
	}

	return serveUntilDone(ctx, newServer(cfg.ServerPort, st, reg))
}

// newMetrics はGo/プロセスのメトリクスを含むレジストリとCollectorを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, metrics.NewCollector(reg)
}

// newServer は/healthと/metricsを公開するHTTPサーバーを生成する。
func newServer(port string, st *store.Store, reg *prometheus.Registry) *http.Server {
	router := handler.NewRouter(&handler.RouterDeps{
		Pinger:  st.Pinger,
		Backend: st.Name,
		Metrics: metrics.Handler(reg),
		Logger:  slog.Default(),
	})

	return &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serveUntilDone はctxがキャンセルされるまでserverを動かし、その後シャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// バックエンドに接続し、期限切れのセッションと検証トークンを定期的に削除する。
// 削除件数はSERVER_PORTの/metricsで公開する。
// キーの有効期限をネイティブに扱うバックエンドではジョブを起動せずに終了する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	reg, collector := newMetrics()

	st, err := openStore(ctx, cfg, collector)
	if err != nil {
		return err
	}
	defer st.Close()

	if st.Purger == nil {
		slog.Info("backend expires records natively, cleanup worker is not needed",
			slog.String("backend", st.Name),
		)
		return nil
	}

	slog.Info("worker starting",
		slog.String("backend", st.Name),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// サーバーが起動に失敗した場合もジョブを止める
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobDone := make(chan struct{})
	go func() {
		defer close(jobDone)
		cleanup.NewJob(st.Purger, collector, slog.Default()).Start(ctx, cfg.CleanupInterval)
	}()

	err = serveUntilDone(ctx, newServer(cfg.ServerPort, st, reg))
	cancel()
	<-jobDone
	if err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はバックエンドのスキーマを作成する。
// postgresはgolang-migrate、sqliteは埋め込みDDL、mongoはインデックス作成で適用する。
// 適用はstore.Open内で行われるため、接続できた時点で完了している。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	slog.Info("running schema migrations",
		slog.String("backend", cfg.Backend),
		slog.String("target", describeTarget(cfg)),
	)

	st, err := openStore(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := st.Close(); err != nil {
		return fmt.Errorf("failed to close backend: %w", err)
	}

	slog.Info("schema migrations completed successfully")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, recorder adapter.OperationRecorder) (*store.Store, error) {
	st, err := store.Open(ctx, cfg, recorder)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}
	slog.Info("backend connection established", slog.String("backend", st.Name))
	return st, nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// describeTarget はログ出力用に接続先を認証情報を伏せた形で返す。
func describeTarget(cfg *config.Config) string {
	switch cfg.Backend {
	case config.BackendPostgres:
		return maskURL(cfg.DatabaseURL)
	case config.BackendSQLite:
		return cfg.SQLitePath
	case config.BackendMongo:
		return maskURL(cfg.MongoURI)
	case config.BackendRedis:
		return maskURL(cfg.RedisURL)
	default:
		return "in-process"
	}
}

// maskURL は接続URLのパスワードをマスクする。
// 解析できない場合は全体を伏せる。
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}

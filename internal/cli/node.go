package cli

// ============================================================================
// 節點組裝
// 職責：恢復帳本、啟動 HTTP / gRPC / metrics 伺服器與查詢索引，並依序關閉
// ============================================================================

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/escrow-ledger/internal/controller"
	"github.com/ChuLiYu/escrow-ledger/internal/httpapi"
	"github.com/ChuLiYu/escrow-ledger/internal/indexer"
	"github.com/ChuLiYu/escrow-ledger/internal/metadata"
	"github.com/ChuLiYu/escrow-ledger/internal/metrics"
	"github.com/ChuLiYu/escrow-ledger/internal/server"
)

// Node 一個執行中的 escrowd 行程
type Node struct {
	Ledger *controller.Controller
	Index  *indexer.Indexer // index.enabled 為 false 時為 nil

	httpSrv    *http.Server
	httpLis    net.Listener
	grpcSrv    *grpc.Server
	grpcLis    net.Listener
	metricsSrv *http.Server

	cancelIndex context.CancelFunc
	indexDone   chan struct{}

	errCh    chan error
	stopOnce sync.Once
}

// StartNode 依設定啟動所有元件
//
// 啟動順序：
//  1. 建立資料目錄與 metrics registry
//  2. Controller 恢復（快照 + WAL）
//  3. 查詢索引從上次處理的 seq 之後追上事件
//  4. 開始監聽 HTTP、gRPC、metrics
func StartNode(cfg *Config) (n *Node, err error) {
	for _, dir := range []string{filepath.Dir(cfg.WAL.Path), filepath.Dir(cfg.Snapshot.Path), cfg.Metadata.Dir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create directory %s", dir)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctrl, err := controller.NewController(cfg.ControllerConfig(metrics.NewCollectorWith(reg)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create controller")
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return nil, errors.Wrap(err, "failed to start controller")
	}

	n = &Node{Ledger: ctrl, errCh: make(chan error, 3)}
	defer func() {
		if err != nil {
			n.Shutdown(context.Background())
			n = nil
		}
	}()

	docs, err := metadata.NewLocalStore(cfg.Metadata.Dir)
	if err != nil {
		return n, errors.Wrap(err, "failed to open metadata store")
	}

	if cfg.Index.Enabled {
		if err := n.startIndex(cfg.Index.Path); err != nil {
			return n, err
		}
	}

	if cfg.HTTP.Enabled {
		opts := cfg.HTTPOptions()
		opts.Gatherer = reg
		opts.Index = n.Index
		api := httpapi.New(ctrl, docs, opts)

		if n.httpLis, err = net.Listen("tcp", cfg.HTTP.Addr); err != nil {
			return n, errors.Wrapf(err, "listen http %s", cfg.HTTP.Addr)
		}
		n.httpSrv = &http.Server{Handler: api.Router(), ReadHeaderTimeout: 5 * time.Second}
		go n.serve("http", func() error { return n.httpSrv.Serve(n.httpLis) })
		log.Info("HTTP API listening", "addr", n.httpLis.Addr().String())
	}

	if cfg.GRPC.Enabled {
		if n.grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			return n, errors.Wrapf(err, "listen grpc %s", cfg.GRPC.Addr)
		}
		n.grpcSrv = server.NewGRPCServer(ctrl)
		go n.serve("grpc", func() error { return n.grpcSrv.Serve(n.grpcLis) })
		log.Info("gRPC server listening", "addr", n.grpcLis.Addr().String())
	}

	if cfg.Metrics.Enabled {
		n.metricsSrv = metrics.NewServer(":"+strconv.Itoa(cfg.Metrics.Port), reg)
		go n.serve("metrics", n.metricsSrv.ListenAndServe)
		log.Info("Metrics server listening", "addr", n.metricsSrv.Addr)
	}

	return n, nil
}

func (n *Node) startIndex(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create index directory")
	}
	idx, err := indexer.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open index")
	}
	since, err := idx.LastSeq(context.Background())
	if err != nil {
		idx.Close()
		return errors.Wrap(err, "failed to read index position")
	}

	sub, rebase := n.Ledger.Follow(since)
	if rebase != nil {
		if err := idx.Rebase(context.Background(), rebase.Seq, rebase.Jobs); err != nil {
			sub.Close()
			idx.Close()
			return errors.Wrap(err, "failed to rebuild index")
		}
		since = rebase.Seq
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.Index = idx
	n.cancelIndex = cancel
	n.indexDone = make(chan struct{})
	go func() {
		defer close(n.indexDone)
		idx.Run(ctx, sub)
	}()
	log.Info("Index following ledger events", "path", path, "since", since)
	return nil
}

func (n *Node) serve(name string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, grpc.ErrServerStopped) {
		log.Error("Server failed", "server", name, "error", err.Error())
		n.errCh <- errors.Wrapf(err, "%s server", name)
	}
}

// Err 任一伺服器異常結束時送出錯誤
func (n *Node) Err() <-chan error {
	return n.errCh
}

// HTTPAddr 實際監聽的 HTTP 位址，未啟用時為空
func (n *Node) HTTPAddr() string {
	if n.httpLis == nil {
		return ""
	}
	return n.httpLis.Addr().String()
}

// GRPCAddr 實際監聽的 gRPC 位址，未啟用時為空
func (n *Node) GRPCAddr() string {
	if n.grpcLis == nil {
		return ""
	}
	return n.grpcLis.Addr().String()
}

// Shutdown 優雅關閉，可重複呼叫
//
// 關閉順序：
//  1. 停止接受新請求（HTTP、gRPC、metrics）
//  2. 等待索引套用到帳本最後一個事件，再停止索引跟隨
//  3. Controller.Stop（最終快照、關閉 WAL）
//  4. 關閉索引資料庫
func (n *Node) Shutdown(ctx context.Context) {
	n.stopOnce.Do(func() {
		if n.httpSrv != nil {
			if err := n.httpSrv.Shutdown(ctx); err != nil {
				log.Warn("HTTP shutdown incomplete", "error", err.Error())
			}
		} else if n.httpLis != nil {
			n.httpLis.Close()
		}
		if n.grpcSrv != nil {
			stopGRPC(ctx, n.grpcSrv)
		} else if n.grpcLis != nil {
			n.grpcLis.Close()
		}
		if n.metricsSrv != nil {
			if err := n.metricsSrv.Shutdown(ctx); err != nil {
				log.Warn("Metrics shutdown incomplete", "error", err.Error())
			}
		}

		if n.cancelIndex != nil {
			n.drainIndex(ctx)
			n.cancelIndex()
			<-n.indexDone
		}
		n.Ledger.Stop()
		if n.Index != nil {
			if err := n.Index.Close(); err != nil {
				log.Error("Failed to close index", "error", err.Error())
			}
		}
	})
}

// indexDrainTimeout ctx 沒有期限時等待索引追上的上限
const indexDrainTimeout = 5 * time.Second

// drainIndex 等待索引套用到 LastEventSeq；寫入已停止，所以目標不會再變
func (n *Node) drainIndex(ctx context.Context) {
	target := n.Ledger.GetStatus().LastEventSeq
	ctx, cancel := context.WithTimeout(ctx, indexDrainTimeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		seq, err := n.Index.LastSeq(ctx)
		if err == nil && seq >= target {
			return
		}
		select {
		case <-ctx.Done():
			log.Warn("Index did not catch up before shutdown", "indexed", seq, "last_event_seq", target)
			return
		case <-n.indexDone:
			return
		case <-ticker.C:
		}
	}
}

// stopGRPC 串流訂閱不會自行結束，ctx 到期後強制關閉
func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
		<-done
	}
}

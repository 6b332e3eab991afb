package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kafka "github.com/segmentio/kafka-go"

	"github.com/ckfuturetech19/chat-app-sub002/auth"
	"github.com/ckfuturetech19/chat-app-sub002/msgstore"
	"github.com/ckfuturetech19/chat-app-sub002/server"
)

const (
	kafkaGroupId    = "chatsync"
	kafkaTopic      = "chatsync-events"
	messageMaxBytes = 4096
	minEventTTLDays = 1
	maxEventTTLDays = 366
)

var (
	flagAddr         = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile      = flag.String("pid-file", "chatsync.pid", "pid file")
	flagMysqlDsn     = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/chatsync?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")
	flagKafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")
	flagSessionQuota = flag.Uint("session-quota", 5, "per user live session quota, allowed value in [1, 10]")
	flagEventTTLDays = flag.Uint("event-ttldays", 30, "ingested events older than this are discarded")

	flagDisableIngest = flag.Bool("disable-ingest", false, "disable the kafka ingest path")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	db, err := sql.Open("mysql", *flagMysqlDsn)
	if err != nil {
		return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(1)

	glog.Info("chatsync server is starting")

	store := msgstore.NewMessageStore(db)

	conf := &server.Conf{
		SessionQuota: int(*flagSessionQuota),
		EventTTLDays: int(*flagEventTTLDays),
		MaxMsgSize:   messageMaxBytes,
	}
	hub := server.NewHub(newAuthClient(), store, conf)

	mux := http.DefaultServeMux
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopNotifyChan := make(chan struct{})
	nRunners := 1
	go hub.Run(ctx, stopNotifyChan)

	if !*flagDisableIngest {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  strings.Split(*flagKafkaBrokers, ","),
			GroupID:  kafkaGroupId,
			Topic:    kafkaTopic,
			MinBytes: 1,
			MaxBytes: messageMaxBytes,
		})
		ingest := server.NewIngest(hub, store, reader, conf)
		nRunners++
		go ingest.Run(ctx, stopNotifyChan)
	}

	httpServer := &http.Server{Addr: *flagAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("http server error: %v", err)
		}
	}()

	glog.Infof("chatsync server is serving at %s", *flagAddr)
	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			if prof != nil {
				prof.dumpGoroutines()
			}
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("chatsync server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s`, stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = httpServer.Shutdown(shutCtx)
				shutCancel()
				cancel()
				for i := 0; i < nRunners; i++ {
					<-stopNotifyChan
				}
				close(stopNotifyChan)
				_ = db.Close()
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("chatsync server exited")
	return 0
}

func newAuthClient() auth.Client {
	// TODO: hook into production auth API.
	return &auth.MockClient{}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	if *flagEventTTLDays < minEventTTLDays || *flagEventTTLDays > maxEventTTLDays {
		return errorf("invalid --event-ttldays, expect in range [%d, %d]", minEventTTLDays, maxEventTTLDays)
	}

	if !*flagDisableIngest && len(*flagKafkaBrokers) == 0 {
		return errorf("--kafka-brokers is required.")
	}

	if *flagMysqlDsn == "" {
		return errorf("--mysql-dsn is required.")
	}

	if *flagSessionQuota == 0 {
		return errorf("--session-quota is required positive integer")
	} else if *flagSessionQuota > 10 {
		return errorf("--session-quota MUST in range [1, 10]")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}

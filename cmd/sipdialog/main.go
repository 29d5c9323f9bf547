package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalwire/freeswitch-sub030/pkg/dialog"
)

func main() {
	var (
		listenAddr  = flag.String("listen", "127.0.0.1:5060", "Listen address")
		username    = flag.String("user", "alice", "Username")
		mode        = flag.String("mode", "server", "Mode: server, call, subscribe")
		target      = flag.String("target", "sip:bob@127.0.0.1:5061", "Target URI")
		metricsAddr = flag.String("metrics", "", "Prometheus metrics address (empty disables)")
		authUser    = flag.String("auth-user", "", "Digest username")
		authPass    = flag.String("auth-pass", "", "Digest password")
		debug       = flag.Bool("debug", false, "Enable debug mode")
	)
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
		dialog.GetDefaultLogger().SetLevel(dialog.LogLevelDebug)
	}

	host, port := splitHostPort(*listenAddr)

	var reg *prometheus.Registry
	if *metricsAddr != "" {
		reg = prometheus.NewRegistry()
		go serveMetrics(*metricsAddr, reg)
	}

	stack, err := dialog.NewStack(dialog.StackConfig{
		Profile: dialog.Profile{
			DisplayName: *username,
			Address:     sip.Uri{User: *username, Host: host, Port: port},
		},
		ListenAddr:        *listenAddr,
		AuthUser:          *authUser,
		AuthPassword:      *authPass,
		MetricsRegisterer: registererOrNil(reg),
		Handler:           handleEvent,
	})
	if err != nil {
		log.Fatalf("Ошибка создания стека: %v", err)
	}

	go func() {
		if err := stack.Start(); err != nil {
			log.Fatalf("Слушатель остановился: %v", err)
		}
	}()
	log.Printf("SIP стек запущен: %s@%s", *username, *listenAddr)

	switch *mode {
	case "server":
		// Входящие диалоги обслуживает handleEvent
	case "call":
		runCall(stack, *target)
	case "subscribe":
		runSubscribe(stack, *target)
	default:
		fmt.Printf("Неизвестный режим: %s\n", *mode)
		fmt.Println("Доступные режимы: server, call, subscribe")
		os.Exit(1)
	}

	waitForSignal()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stack.Shutdown(ctx); err != nil {
		log.Printf("Стек остановлен принудительно: %v", err)
	}
}

// handleEvent печатает события стека и отвечает на входящие запросы
func handleEvent(ev *dialog.Event) {
	switch ev.Kind {
	case dialog.EventCallState:
		log.Printf("Звонок %s: %s (%d %s)",
			ev.Handle.CallID(), ev.CallState, ev.Status, ev.Phrase)

	case dialog.EventRequest:
		log.Printf("Входящий %s от %s", ev.Method, ev.Handle.RemoteTag())
		if ev.Method == sip.INVITE && ev.Tx != nil {
			ev.Handle.SetMedia(dialog.NewSDPNegotiator("127.0.0.1", 40000, nil))
			if err := ev.Tx.Respond(200, "OK"); err != nil {
				log.Printf("Не удалось принять звонок: %v", err)
			}
		}

	case dialog.EventSubscription:
		log.Printf("Подписка %s: %s", ev.Handle.CallID(), ev.SubState)
		if ev.Method == sip.SUBSCRIBE && ev.Tx != nil {
			_ = ev.Tx.Respond(202, "Accepted")
		}

	case dialog.EventRefer:
		log.Printf("REFER на %s", ev.Phrase)
		if ev.Tx != nil {
			_ = ev.Tx.Respond(202, "Accepted")
		}

	case dialog.EventShutdown:
		log.Printf("Диалог %s завершён", ev.Handle.CallID())
	}
}

// runCall выполняет исходящий звонок с автоматическим завершением
func runCall(stack *dialog.Stack, target string) {
	uri, err := parseTarget(target)
	if err != nil {
		log.Fatalf("Невалидная цель: %v", err)
	}

	h := stack.NewHandle(uri)
	h.SetMedia(dialog.NewSDPNegotiator("127.0.0.1", 40002, nil))
	h.SetEventHandler(func(ev *dialog.Event) {
		handleEvent(ev)
		if ev.Kind == dialog.EventCallState && ev.CallState == dialog.CallStateReady {
			log.Printf("Звонок установлен, завершаем через 10 секунд")
			time.AfterFunc(10*time.Second, func() {
				if err := h.Bye(); err != nil {
					log.Printf("BYE не отправлен: %v", err)
				}
			})
		}
	})

	if err := h.Invite(); err != nil {
		log.Fatalf("INVITE не отправлен: %v", err)
	}
}

// runSubscribe подписывается на событие refer у цели
func runSubscribe(stack *dialog.Stack, target string) {
	uri, err := parseTarget(target)
	if err != nil {
		log.Fatalf("Невалидная цель: %v", err)
	}

	h := stack.NewHandle(uri)
	if err := h.Subscribe(dialog.WithEvent("refer")); err != nil {
		log.Fatalf("SUBSCRIBE не отправлен: %v", err)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Printf("Метрики на http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("HTTP слушатель метрик остановился: %v", err)
	}
}

func registererOrNil(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

func parseTarget(target string) (sip.Uri, error) {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return sip.Uri{}, err
	}
	return uri, nil
}

func splitHostPort(addr string) (string, int) {
	host := addr
	port := 5060
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		host = addr[:idx]
		if p, err := strconv.Atoi(addr[idx+1:]); err == nil {
			port = p
		}
	}
	return host, port
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Получен сигнал завершения")
}

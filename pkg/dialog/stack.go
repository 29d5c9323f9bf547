package dialog

import (
	"context"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
)

// Stack - корневой объект: владеет sipgo транспортом, картой Handle и
// общими зависимостями (логгер, метрики, настройки). Входящие запросы
// маршрутизируются по идентификации диалога к Handle, создавая его для
// диалого-образующих методов.

// StackConfig - конфигурация стека
type StackConfig struct {
	// Profile - локальная идентичность (From/Contact)
	Profile Profile

	// ListenAddr - адрес слушателя, например "0.0.0.0:5060"
	ListenAddr string

	// TransportProtocol - "udp", "tcp" или "ws" (по умолчанию udp)
	TransportProtocol string

	// Prefs - настройки стека; nil означает процессные значения
	Prefs *Prefs

	// Handler - обработчик событий по умолчанию для всех Handle
	Handler EventHandler

	// Logger - структурированный логгер; nil означает логгер пакета
	Logger StructuredLogger

	// AuthUser/AuthPassword - учётные данные digest по умолчанию
	AuthUser     string
	AuthPassword string

	// MetricsRegisterer - реестр prometheus; nil выключает экспорт
	// (внутренние счётчики продолжают работать)
	MetricsRegisterer prometheus.Registerer

	// MetricsNamespace - префикс имён метрик (по умолчанию "sipdlg")
	MetricsNamespace string

	// Transport - подмена транспорта (для тестов); при заданном
	// транспорте sipgo не инициализируется
	Transport ITransport
}

// Stack - SIP стек поверх sipgo
type Stack struct {
	config StackConfig

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	transport ITransport
	handles   *ShardedHandleMap
	metrics   *MetricsCollector
	logger    StructuredLogger

	profile *Profile
	prefs   *Prefs
	handler EventHandler

	authUser string
	authPass string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStack создает стек. Сетевой слушатель поднимает Start.
func NewStack(config StackConfig) (*Stack, error) {
	if config.Profile.Address.Host == "" {
		return nil, ErrInvalidTarget("профиль без SIP адреса")
	}
	logger := config.Logger
	if logger == nil {
		logger = GetDefaultLogger()
	}
	prefs := config.Prefs
	if prefs == nil {
		prefs = DefaultPrefs()
	}
	namespace := config.MetricsNamespace
	if namespace == "" {
		namespace = "sipdlg"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		config:    config,
		handles:   NewShardedHandleMap(),
		metrics:   NewMetricsCollector(namespace, config.MetricsRegisterer),
		logger:    logger.WithComponent("dialog"),
		profile:   config.Profile.Clone(),
		prefs:     prefs.Clone(),
		handler:   config.Handler,
		authUser:  config.AuthUser,
		authPass:  config.AuthPassword,
		ctx:       ctx,
		cancel:    cancel,
	}

	if config.Transport != nil {
		s.transport = config.Transport
		return s, nil
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(s.prefs.UserAgent))
	if err != nil {
		cancel()
		return nil, ErrTransport(err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		cancel()
		return nil, ErrTransport(err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		cancel()
		return nil, ErrTransport(err)
	}
	s.ua = ua
	s.client = client
	s.server = server
	s.transport = NewSipgoTransport(client)
	s.registerHandlers()
	return s, nil
}

// Metrics возвращает сборщик метрик стека
func (s *Stack) Metrics() *MetricsCollector { return s.metrics }

// Start поднимает сетевой слушатель. Блокирует до остановки стека
// или ошибки слушателя.
func (s *Stack) Start() error {
	if s.server == nil {
		// Транспорт подменён - слушать нечего
		<-s.ctx.Done()
		return nil
	}
	network := s.config.TransportProtocol
	if network == "" {
		network = "udp"
	}
	s.logger.Info(s.ctx, "sip stack listening",
		String("addr", s.config.ListenAddr),
		String("network", network))
	return s.server.ListenAndServe(s.ctx, network, s.config.ListenAddr)
}

// Shutdown корректно завершает все диалоги и останавливает стек
func (s *Stack) Shutdown(ctx context.Context) error {
	s.handles.ForEach(func(key HandleKey, h *Handle) {
		h.Shutdown()
	})

	// Ждём ухода прощальных транзакций, но не дольше дедлайна
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for s.handles.Count() > 0 {
		select {
		case <-ctx.Done():
			s.handles.ForEach(func(key HandleKey, h *Handle) {
				h.Close()
			})
			s.stop()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	s.stop()
	return nil
}

func (s *Stack) stop() {
	s.cancel()
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.server != nil {
		_ = s.server.Close()
	}
	if s.ua != nil {
		_ = s.ua.Close()
	}
}

// NewHandle создает исходящий Handle к удалённому адресату.
// Диалога ещё нет: он образуется первой диалого-образующей операцией.
func (s *Stack) NewHandle(remote sip.Uri) *Handle {
	ds := &DialogState{
		callID:    GenerateCallID(),
		localTag:  GenerateTag(),
		localURI:  s.profile.Address,
		remoteURI: remote,
	}
	h := newHandle(s, ds, true)
	s.handles.Set(HandleKey{CallID: ds.callID, LocalTag: ds.localTag}, h)
	s.metrics.HandleCreated()
	s.logger.Debug(s.ctx, "handle created",
		String("handle_id", h.id),
		String("call_id", ds.callID),
		String("remote", remote.String()))
	return h
}

// indexHandle регистрирует полный ключ диалога после появления
// удалённого тега. Вызывается с удержанным h.mu.
func (s *Stack) indexHandle(h *Handle) {
	ds := h.ds
	if ds.remoteTag == "" {
		return
	}
	s.handles.Set(HandleKey{
		CallID:    ds.callID,
		LocalTag:  ds.localTag,
		RemoteTag: ds.remoteTag,
	}, h)
}

// unindexHandle снимает все регистрации Handle
func (s *Stack) unindexHandle(h *Handle) {
	ds := h.ds
	s.handles.Delete(HandleKey{CallID: ds.callID, LocalTag: ds.localTag})
	if ds.remoteTag != "" {
		s.handles.Delete(HandleKey{
			CallID:    ds.callID,
			LocalTag:  ds.localTag,
			RemoteTag: ds.remoteTag,
		})
		s.handles.Delete(HandleKey{CallID: ds.callID, RemoteTag: ds.remoteTag})
	}
}

// registerHandlers подключает маршрутизацию входящих запросов к sipgo
func (s *Stack) registerHandlers() {
	route := func(req *sip.Request, tx sip.ServerTransaction) {
		s.onRequest(req, tx)
	}
	s.server.OnInvite(route)
	s.server.OnAck(route)
	s.server.OnCancel(route)
	s.server.OnBye(route)
	s.server.OnUpdate(route)
	s.server.OnPrack(route)
	s.server.OnInfo(route)
	s.server.OnMessage(route)
	s.server.OnOptions(route)
	s.server.OnSubscribe(route)
	s.server.OnNotify(route)
	s.server.OnRefer(route)
	// PUBLISH и нестандартные методы приходят без именованного маршрута
	s.server.OnNoRoute(route)
}

// onRequest маршрутизирует входящий запрос к Handle
func (s *Stack) onRequest(req *sip.Request, tx IServerTransaction) {
	method := req.Method
	callIDHeader := req.CallID()
	from := req.From()
	to := req.To()
	if callIDHeader == nil || from == nil || to == nil {
		s.reply(req, tx, 400, "Bad Request")
		return
	}

	fromTag := ""
	if from.Params != nil {
		fromTag, _ = from.Params.Get("tag")
	}
	toTag := ""
	if to.Params != nil {
		toTag, _ = to.Params.Get("tag")
	}

	key := HandleKey{CallID: callIDHeader.Value(), LocalTag: toTag, RemoteTag: fromTag}
	h, found := s.handles.Match(key)
	if !found {
		if toTag != "" || !descriptorFor(method).CreatesDialog {
			s.reply(req, tx, 481, "Call/Transaction Does Not Exist")
			return
		}
		h = s.newIncomingHandle(req, fromTag)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		s.reply(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	if cseq := req.CSeq(); cseq != nil && method != sip.ACK && method != sip.CANCEL {
		// Нарушение порядка CSeq внутри диалога (RFC 3261 12.2.2)
		if h.ds.remoteSeq != 0 && cseq.SeqNo <= h.ds.remoteSeq {
			s.reply(req, tx, 500, "Server Internal Error")
			return
		}
		h.ds.remoteSeq = cseq.SeqNo
	}

	switch method {
	case sip.ACK:
		h.onAck(req)
		return
	case sip.CANCEL:
		if h.onCancel(req) {
			s.reply(req, tx, 200, "OK")
		} else {
			s.reply(req, tx, 481, "Call/Transaction Does Not Exist")
		}
		return
	}

	if isTargetRefresh(method) {
		h.ds.remoteTargetFrom(req.GetHeader("Contact"))
	}

	st := newServerTx(h, req, tx)
	st.process()
}

// newIncomingHandle создает Handle для входящего диалого-образующего
// запроса
func (s *Stack) newIncomingHandle(req *sip.Request, fromTag string) *Handle {
	ds := &DialogState{
		callID:    req.CallID().Value(),
		localTag:  GenerateTag(),
		remoteTag: fromTag,
		localURI:  req.To().Address,
		remoteURI: req.From().Address,
	}
	ds.remoteTargetFrom(req.GetHeader("Contact"))
	// Route set UAS собирается из Record-Route в прямом порядке
	for _, hd := range req.GetHeaders("Record-Route") {
		if rr, ok := hd.(*sip.RecordRouteHeader); ok {
			ds.routeSet = append(ds.routeSet, sip.RouteHeader{Address: rr.Address})
		}
	}

	h := newHandle(s, ds, false)
	s.handles.Set(HandleKey{CallID: ds.callID, LocalTag: ds.localTag}, h)
	s.handles.Set(HandleKey{
		CallID:    ds.callID,
		LocalTag:  ds.localTag,
		RemoteTag: ds.remoteTag,
	}, h)
	// CANCEL и ретрансмиссии начального запроса приходят без нашего тега
	s.handles.Set(HandleKey{CallID: ds.callID, RemoteTag: ds.remoteTag}, h)
	s.metrics.HandleCreated()
	s.logger.Debug(s.ctx, "incoming handle created",
		String("handle_id", h.id),
		String("call_id", ds.callID),
		String("method", string(req.Method)))
	return h
}

// reply отправляет ответ без участия Handle.
// NewResponseFromRequest падает на запросе без From/To, поэтому ответ
// на искалеченный запрос собирается вручную из уцелевших заголовков.
func (s *Stack) reply(req *sip.Request, tx IServerTransaction, status int, reason string) {
	var res *sip.Response
	if req.From() == nil || req.To() == nil {
		res = sip.NewResponse(sip.StatusCode(status), reason)
		for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
			for _, hd := range req.GetHeaders(name) {
				res.AppendHeader(hd)
			}
		}
	} else {
		res = sip.NewResponseFromRequest(req, sip.StatusCode(status), reason, nil)
	}
	if err := tx.Respond(res); err != nil {
		s.logger.Warn(s.ctx, "не удалось отправить ответ без диалога",
			String("method", string(req.Method)),
			Int("status", status),
			Err(err))
	}
}

// isTargetRefresh сообщает, обновляет ли метод remote target диалога
func isTargetRefresh(method sip.RequestMethod) bool {
	switch method {
	case sip.INVITE, sip.UPDATE, sip.SUBSCRIBE, sip.NOTIFY, sip.REFER:
		return true
	}
	return false
}

// FindHandle ищет Handle по идентификации диалога
func (s *Stack) FindHandle(callID, localTag, remoteTag string) (*Handle, bool) {
	return s.handles.Match(HandleKey{
		CallID:    callID,
		LocalTag:  localTag,
		RemoteTag: remoteTag,
	})
}

// HandleCount возвращает число живых Handle
func (s *Stack) HandleCount() int {
	// Карта несёт до двух ключей на Handle; считаем уникальные
	seen := make(map[string]struct{})
	s.handles.ForEach(func(key HandleKey, h *Handle) {
		seen[h.id] = struct{}{}
	})
	return len(seen)
}

package dialog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

// Тестовая обвязка: фальшивый транспорт вместо sipgo. Тесты управляют
// ответами вручную и наблюдают исходящие запросы без сети.

type fakeClientTx struct {
	req       *sip.Request
	responses chan *sip.Response
	done      chan struct{}
	err       error

	mu         sync.Mutex
	terminated bool
}

func newFakeClientTx(req *sip.Request) *fakeClientTx {
	return &fakeClientTx{
		req:       req,
		responses: make(chan *sip.Response, 8),
		done:      make(chan struct{}),
	}
}

func (tx *fakeClientTx) Responses() <-chan *sip.Response { return tx.responses }
func (tx *fakeClientTx) Done() <-chan struct{}           { return tx.done }
func (tx *fakeClientTx) Err() error                      { return tx.err }

func (tx *fakeClientTx) Terminate() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.terminated {
		tx.terminated = true
		close(tx.done)
	}
}

// fail завершает транзакцию ошибкой без финального ответа
func (tx *fakeClientTx) fail(err error) {
	tx.mu.Lock()
	tx.err = err
	tx.mu.Unlock()
	tx.Terminate()
}

type fakeTransport struct {
	mu      sync.Mutex
	txs     []*fakeClientTx
	written []*sip.Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (ft *fakeTransport) Request(ctx context.Context, req *sip.Request) (IClientTransaction, error) {
	tx := newFakeClientTx(req)
	ft.mu.Lock()
	ft.txs = append(ft.txs, tx)
	ft.mu.Unlock()
	return tx, nil
}

func (ft *fakeTransport) Write(ctx context.Context, req *sip.Request) error {
	ft.mu.Lock()
	ft.written = append(ft.written, req)
	ft.mu.Unlock()
	return nil
}

// lastTx возвращает последнюю запущенную транзакцию
func (ft *fakeTransport) lastTx(t *testing.T) *fakeClientTx {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ft.mu.Lock()
		n := len(ft.txs)
		var tx *fakeClientTx
		if n > 0 {
			tx = ft.txs[n-1]
		}
		ft.mu.Unlock()
		if tx != nil {
			return tx
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("клиентская транзакция так и не запустилась")
	return nil
}

// waitTxCount ждет появления как минимум n транзакций
func (ft *fakeTransport) waitTxCount(t *testing.T, n int) *fakeClientTx {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ft.mu.Lock()
		count := len(ft.txs)
		var tx *fakeClientTx
		if count >= n {
			tx = ft.txs[n-1]
		}
		ft.mu.Unlock()
		if tx != nil {
			return tx
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ожидалось %d транзакций", n)
	return nil
}

func (ft *fakeTransport) txCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.txs)
}

// writtenRequests возвращает снимок запросов вне транзакций (ACK, CANCEL)
func (ft *fakeTransport) writtenRequests() []*sip.Request {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]*sip.Request(nil), ft.written...)
}

// waitWritten ждет появления n запросов вне транзакций
func (ft *fakeTransport) waitWritten(t *testing.T, n int) []*sip.Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reqs := ft.writtenRequests()
		if len(reqs) >= n {
			return reqs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ожидалось %d внетранзакционных запросов", n)
	return nil
}

type fakeServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{done: make(chan struct{})}
}

func (tx *fakeServerTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.responses = append(tx.responses, res)
	return nil
}

func (tx *fakeServerTx) Done() <-chan struct{} { return tx.done }

func (tx *fakeServerTx) sent() []*sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]*sip.Response(nil), tx.responses...)
}

// waitFinal ждет финального ответа транзакции
func (tx *fakeServerTx) waitFinal(t *testing.T) *sip.Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, res := range tx.sent() {
			if res.StatusCode >= 200 {
				return res
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("финальный ответ так и не отправлен")
	return nil
}

// Сборка тестового стека

func localProfile() Profile {
	return Profile{
		DisplayName: "Alice",
		Address:     sip.Uri{User: "alice", Host: "127.0.0.1", Port: 5060},
	}
}

func remotePeerURI() sip.Uri {
	return sip.Uri{User: "bob", Host: "peer.example.com", Port: 5060}
}

func newTestStack(t *testing.T) (*Stack, *fakeTransport, chan *Event) {
	t.Helper()
	ft := newFakeTransport()
	events := make(chan *Event, 64)
	s, err := NewStack(StackConfig{
		Profile:   localProfile(),
		Transport: ft,
		Handler: func(ev *Event) {
			events <- ev
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.cancel() })
	return s, ft, events
}

// waitEvent возвращает следующее событие потока
func waitEvent(t *testing.T, events <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("событие так и не пришло")
		return nil
	}
}

// waitEventKind пропускает события до первого указанного типа
func waitEventKind(t *testing.T, events <-chan *Event, kind EventKind) *Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("событие %s так и не пришло", kind)
			return nil
		}
	}
}

// waitCallState пропускает события до достижения указанного состояния
func waitCallState(t *testing.T, events <-chan *Event, state CallState) *Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventCallState && ev.CallState == state {
				return ev
			}
		case <-deadline:
			t.Fatalf("состояние %s так и не наступило", state)
			return nil
		}
	}
}

// Сборка сообщений

// respondTo строит ответ на запрос с тегом пира в To
func respondTo(req *sip.Request, status int, reason, toTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(status), reason, nil)
	if toTag != "" {
		to := req.To()
		fresh := &sip.ToHeader{Address: to.Address, Params: sip.NewParams()}
		fresh.Params.Add("tag", toTag)
		res.ReplaceHeader(fresh)
	}
	return res
}

func withSDP(res *sip.Response, body []byte) *sip.Response {
	ctype := sip.ContentTypeHeader("application/sdp")
	setHeader(res, &ctype)
	res.SetBody(body)
	return res
}

// incomingRequest строит внутридиалоговый или диалого-образующий запрос
// от пира
func incomingRequest(method sip.RequestMethod, callID, fromTag, toTag string, seq uint32) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{User: "alice", Host: "127.0.0.1", Port: 5060})

	from := &sip.FromHeader{
		Address: sip.Uri{User: "bob", Host: "peer.example.com"},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{User: "alice", Host: "127.0.0.1"},
		Params:  sip.NewParams(),
	}
	if toTag != "" {
		to.Params.Add("tag", toTag)
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "bob", Host: "peer.example.com", Port: 5062},
	})
	return req
}

var testSDPOffer = []byte("v=0\r\n" +
	"o=- 100 100 IN IP4 127.0.0.1\r\n" +
	"s=call\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n")

var testSDPAnswer = []byte("v=0\r\n" +
	"o=- 200 200 IN IP4 127.0.0.1\r\n" +
	"s=call\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 4002 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n")

// fakeMedia - управляемая медиа-сессия для тестов offer/answer
type fakeMedia struct {
	offer     []byte
	answer    []byte
	offerErr  error
	answerErr error
	setErr    error

	mu         sync.Mutex
	remoteSeen [][]byte
}

func (m *fakeMedia) CreateOffer(ctx context.Context) ([]byte, error) {
	if m.offerErr != nil {
		return nil, m.offerErr
	}
	return m.offer, nil
}

func (m *fakeMedia) CreateAnswer(ctx context.Context, remoteOffer []byte) ([]byte, error) {
	if m.answerErr != nil {
		return nil, m.answerErr
	}
	m.mu.Lock()
	m.remoteSeen = append(m.remoteSeen, remoteOffer)
	m.mu.Unlock()
	return m.answer, nil
}

func (m *fakeMedia) SetRemoteAnswer(ctx context.Context, answer []byte) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.mu.Lock()
	m.remoteSeen = append(m.remoteSeen, answer)
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) Close() error { return nil }

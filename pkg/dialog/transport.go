package dialog

import (
	"context"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Транспортный слой. Стек работает через узкие интерфейсы - боевая
// реализация оборачивает sipgo, тесты подставляют фальшивый транспорт
// без сети.

// IClientTransaction - клиентская транзакция транспортного слоя.
// sip.ClientTransaction из sipgo удовлетворяет интерфейсу структурно.
type IClientTransaction interface {
	// Responses возвращает канал входящих ответов (1xx и финальный)
	Responses() <-chan *sip.Response

	// Done закрывается по завершению транзакции
	Done() <-chan struct{}

	// Err возвращает причину завершения (nil - штатное)
	Err() error

	// Terminate досрочно завершает транзакцию
	Terminate()
}

// IServerTransaction - серверная транзакция транспортного слоя
type IServerTransaction interface {
	// Respond отправляет ответ пиру
	Respond(res *sip.Response) error

	// Done закрывается по завершению транзакции
	Done() <-chan struct{}
}

// ITransport - исходящая сторона транспорта
type ITransport interface {
	// Request запускает клиентскую транзакцию
	Request(ctx context.Context, req *sip.Request) (IClientTransaction, error)

	// Write отправляет запрос вне транзакции (ACK)
	Write(ctx context.Context, req *sip.Request) error
}

// sipgoTransport - боевой транспорт поверх sipgo клиента
type sipgoTransport struct {
	client *sipgo.Client
}

// NewSipgoTransport оборачивает sipgo клиент в ITransport
func NewSipgoTransport(client *sipgo.Client) ITransport {
	return &sipgoTransport{client: client}
}

func (t *sipgoTransport) Request(ctx context.Context, req *sip.Request) (IClientTransaction, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, ErrTransport(err)
	}
	return tx, nil
}

func (t *sipgoTransport) Write(ctx context.Context, req *sip.Request) error {
	if err := t.client.WriteRequest(req); err != nil {
		return ErrTransport(err)
	}
	return nil
}

package dialog

import (
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Публикация состояния события (RFC 3903). Usage хранит ETag последней
// успешной публикации; обновления и удаление уходят с SIP-If-Match.
// Ответ 412 означает, что сервер забыл наш ETag - транзакция
// автоматически повторяется как начальная публикация.

const publishUsageName = "publish"

type publishClass struct{}

// PublishUsageClass - дескриптор класса публикации
var PublishUsageClass UsageClass = publishClass{}

func (publishClass) Name() string     { return publishUsageName }
func (publishClass) OwnsDialog() bool { return false }

func (publishClass) Add(h *Handle, u *Usage) (any, error) {
	return &publishState{}, nil
}

func (publishClass) Remove(h *Handle, u *Usage) {
	ps := publishStateOf(u)
	if ps == nil || ps.closed {
		return
	}
	ps.closed = true
	event, id := u.Event()
	h.postEvent(&Event{
		Kind:   EventPublish,
		Method: MethodPUBLISH,
		Phrase: formatEventHeader(event, id),
	})
}

// Refresh продлевает публикацию: PUBLISH без тела с SIP-If-Match
func (publishClass) Refresh(h *Handle, u *Usage, now time.Time) {
	h.stack.metrics.RefreshFired(publishUsageName)
	ps := publishStateOf(u)
	if ps == nil || ps.etag == "" {
		h.removeUsage(u)
		return
	}
	event, id := u.Event()
	ct := newClientTx(h, MethodPUBLISH, WithEvent(event, id))
	if err := ct.start(); err != nil {
		h.log().LogError(h.ctx, err, "не удалось продлить публикацию",
			String("call_id", h.ds.callID), String("event", event))
		h.removeUsage(u)
	}
}

func (publishClass) Shutdown(h *Handle, u *Usage) bool {
	ps := publishStateOf(u)
	if ps == nil || ps.etag == "" {
		return true
	}
	if !ps.unpublishing {
		event, id := u.Event()
		ct := newClientTx(h, MethodPUBLISH, WithEvent(event, id), WithExpires(0))
		if err := ct.start(); err != nil {
			return true
		}
	}
	return false
}

// publishState - приватный блок usage публикации
type publishState struct {
	// etag - идентификатор публикации с сервера (SIP-ETag)
	etag string

	// body/contentType - последнее опубликованное состояние; нужно для
	// повтора начальной публикации после 412
	body        []byte
	contentType string

	expires int

	unpublishing bool
	closed       bool
}

func publishStateOf(u *Usage) *publishState {
	if u == nil || u.Removed() {
		return nil
	}
	ps, _ := u.Private().(*publishState)
	return ps
}

// Клиентские хуки PUBLISH

func publishClientInit(ct *ClientTx) error {
	h := ct.handle
	if ct.oa.event == "" {
		return NewDialogError("EVENT_REQUIRED",
			"PUBLISH требует тип события", ErrorCategoryLocal)
	}
	u := h.findUsage(publishUsageName, ct.oa.event, ct.oa.eventID)
	if u == nil {
		created, err := h.addUsage(PublishUsageClass, ct.oa.event, ct.oa.eventID)
		if err != nil {
			return err
		}
		u = created
		ct.createdUsage = true
	}
	ps := publishStateOf(u)

	requested := ct.prefs.PublishExpires
	if ct.oa.expires != nil {
		requested = *ct.oa.expires
	}
	ps.expires = requested
	if requested == 0 {
		ps.unpublishing = true
	}
	if len(ct.oa.body) > 0 {
		ps.body = ct.oa.body
		ps.contentType = ct.oa.contentType
	}
	ct.usage = u
	return nil
}

func publishClientBuild(ct *ClientTx, req *sip.Request) error {
	ps := publishStateOf(ct.usage)
	if ps == nil {
		return ErrUsageNotFound(publishUsageName, ct.oa.event)
	}
	event, id := ct.usage.Event()
	setHeader(req, sip.NewHeader("Event", formatEventHeader(event, id)))
	setHeader(req, sip.NewHeader("Expires", strconv.Itoa(ps.expires)))
	if ps.etag != "" {
		setHeader(req, sip.NewHeader("SIP-If-Match", ps.etag))
	} else if len(req.Body()) == 0 && len(ps.body) > 0 && !ps.unpublishing {
		// Начальная публикация (в том числе повтор после 412)
		// обязана нести тело
		ctype := sip.ContentTypeHeader(ps.contentType)
		setHeader(req, &ctype)
		req.SetBody(ps.body)
	}
	return nil
}

func publishClientReport(ct *ClientTx, status int, phrase string, res *sip.Response) {
	h := ct.handle
	u := ct.usage
	ps := publishStateOf(u)
	if ps == nil {
		ct.genericReport(status, phrase, res)
		return
	}

	if status >= 200 && status < 300 {
		if res != nil {
			if etag := res.GetHeader("SIP-ETag"); etag != nil {
				ps.etag = strings.TrimSpace(etag.Value())
			}
			if exp := res.GetHeader("Expires"); exp != nil {
				if v, err := strconv.Atoi(strings.TrimSpace(exp.Value())); err == nil {
					ps.expires = v
				}
			}
		}
		h.postEvent(&Event{
			Kind:     EventPublish,
			Status:   status,
			Phrase:   phrase,
			Method:   MethodPUBLISH,
			Response: res,
		})
		if ps.unpublishing || ps.expires == 0 {
			h.removeUsage(u)
			return
		}
		// Публикация не теряет силы досрочно: продление ровно по
		// истечении выданного интервала
		h.scheduleRefresh(u, time.Now().Add(time.Duration(ps.expires)*time.Second))
		return
	}

	h.postEvent(&Event{
		Kind:     EventPublish,
		Status:   status,
		Phrase:   phrase,
		Method:   MethodPUBLISH,
		Response: res,
	})
	h.removeUsage(u)
}

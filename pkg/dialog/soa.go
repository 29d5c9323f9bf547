package dialog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// Медиа-переговорщик (offer/answer). Фреймворк не владеет медиа-потоками:
// приложение отдаёт реализацию IMediaSession, а транзакции дергают её в
// нужные моменты обмена и транслируют ошибки в статусы отчётов.

// IMediaSession - внешний медиа-слой диалога.
//
// Реализация обязана быть потокобезопасной: вызовы приходят из
// транзакционных колбэков под мьютексом Handle, но для разных Handle -
// параллельно.
type IMediaSession interface {
	// CreateOffer строит локальное SDP предложение
	CreateOffer(ctx context.Context) ([]byte, error)

	// CreateAnswer строит ответ на удалённое предложение
	CreateAnswer(ctx context.Context, remoteOffer []byte) ([]byte, error)

	// SetRemoteAnswer принимает удалённый ответ на наше предложение
	SetRemoteAnswer(ctx context.Context, remoteAnswer []byte) error

	// Close освобождает медиа-ресурсы сессии
	Close() error
}

// TranslateMediaError переводит ошибку медиа-переговорщика в статус отчёта.
//
// UAS-сторона (ошибка при ответе на удалённый offer) получает 488 и шлёт
// его пиру; UAC-сторона (ошибка при приёме answer) получает внутренний
// статус из полосы >= 900 - реального ответа пира не было.
func TranslateMediaError(err error, answering bool) (int, string) {
	var derr *DialogError
	if errors.As(err, &derr) && derr.Status != 0 {
		return derr.Status, derr.Message
	}
	if answering {
		return StatusNotAcceptableHere, "Not Acceptable Here"
	}
	return StatusMediaError, InternalPhrase(StatusMediaError)
}

// SDPCodec - описание аудио-кодека для SDP
type SDPCodec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

// defaultCodecs - стандартный телефонный набор
var defaultCodecs = []SDPCodec{
	{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	{PayloadType: 9, Name: "G722", ClockRate: 8000},
}

// SDPNegotiator - базовая реализация IMediaSession поверх pion/sdp.
//
// Переговоры сводятся к пересечению списков кодеков; транспортом
// медиа-потоков не управляет (порт и адрес задаются снаружи).
type SDPNegotiator struct {
	localIP   string
	localPort int
	codecs    []SDPCodec

	sessionID uint64
	version   uint64
	closed    bool
}

// NewSDPNegotiator создает переговорщик для заданной локальной точки.
// Пустой список кодеков заменяется стандартным телефонным набором.
func NewSDPNegotiator(localIP string, localPort int, codecs []SDPCodec) *SDPNegotiator {
	if len(codecs) == 0 {
		codecs = append([]SDPCodec(nil), defaultCodecs...)
	}
	now := uint64(time.Now().Unix())
	return &SDPNegotiator{
		localIP:   localIP,
		localPort: localPort,
		codecs:    codecs,
		sessionID: now,
		version:   now,
	}
}

// CreateOffer строит SDP предложение со всеми настроенными кодеками
func (n *SDPNegotiator) CreateOffer(ctx context.Context) ([]byte, error) {
	if n.closed {
		return nil, ErrMedia(StatusMediaError, "медиа сессия закрыта", nil)
	}
	n.version++
	desc := n.baseDescription()
	desc.MediaDescriptions = append(desc.MediaDescriptions, n.audioDescription(n.codecs))
	return marshalSDP(desc)
}

// CreateAnswer пересекает удалённое предложение с локальными кодеками
func (n *SDPNegotiator) CreateAnswer(ctx context.Context, remoteOffer []byte) ([]byte, error) {
	if n.closed {
		return nil, ErrMedia(StatusMediaError, "медиа сессия закрыта", nil)
	}
	remote := &sdp.SessionDescription{}
	if err := remote.Unmarshal(remoteOffer); err != nil {
		return nil, ErrMedia(StatusNotAcceptableHere, "невалидное SDP предложение", err)
	}

	common := n.intersect(remote)
	if len(common) == 0 {
		return nil, ErrMedia(StatusNotAcceptableHere, "нет общих кодеков", nil)
	}

	n.version++
	desc := n.baseDescription()
	desc.MediaDescriptions = append(desc.MediaDescriptions, n.audioDescription(common))
	return marshalSDP(desc)
}

// SetRemoteAnswer проверяет, что ответ пира содержит хотя бы один
// локально поддерживаемый кодек
func (n *SDPNegotiator) SetRemoteAnswer(ctx context.Context, remoteAnswer []byte) error {
	if n.closed {
		return ErrMedia(StatusMediaError, "медиа сессия закрыта", nil)
	}
	remote := &sdp.SessionDescription{}
	if err := remote.Unmarshal(remoteAnswer); err != nil {
		return ErrMedia(StatusMediaError, "невалидный SDP ответ", err)
	}
	if len(n.intersect(remote)) == 0 {
		return ErrMedia(StatusMediaError, "ответ пира не содержит общих кодеков", nil)
	}
	return nil
}

// Close освобождает переговорщик
func (n *SDPNegotiator) Close() error {
	n.closed = true
	return nil
}

func (n *SDPNegotiator) baseDescription() *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      n.sessionID,
			SessionVersion: n.version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: n.localIP,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: n.localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func (n *SDPNegotiator) audioDescription(codecs []SDPCodec) *sdp.MediaDescription {
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: n.localPort},
			Protos: []string{"RTP", "AVP"},
		},
		Attributes: []sdp.Attribute{{Key: "sendrecv"}},
	}
	for _, codec := range codecs {
		media.MediaName.Formats = append(media.MediaName.Formats, strconv.Itoa(int(codec.PayloadType)))
		media.Attributes = append(media.Attributes, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d %s/%d", codec.PayloadType, codec.Name, codec.ClockRate),
		})
	}
	return media
}

// intersect возвращает локальные кодеки, упомянутые в удалённом SDP
func (n *SDPNegotiator) intersect(remote *sdp.SessionDescription) []SDPCodec {
	var common []SDPCodec
	for _, md := range remote.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, local := range n.codecs {
			if remoteHasCodec(md, local) {
				common = append(common, local)
			}
		}
	}
	return common
}

func remoteHasCodec(md *sdp.MediaDescription, codec SDPCodec) bool {
	pt := strconv.Itoa(int(codec.PayloadType))
	for _, format := range md.MediaName.Formats {
		if format != pt {
			continue
		}
		// Статические payload types валидны и без rtpmap
		if codec.PayloadType < 96 {
			return true
		}
		for _, attr := range md.Attributes {
			if attr.Key == "rtpmap" && strings.HasPrefix(attr.Value, pt+" ") {
				return true
			}
		}
	}
	return false
}

func marshalSDP(desc *sdp.SessionDescription) ([]byte, error) {
	raw, err := desc.Marshal()
	if err != nil {
		return nil, ErrMedia(StatusMediaError, "не удалось сериализовать SDP", err)
	}
	return raw, nil
}

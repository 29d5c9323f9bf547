package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetHeader(t *testing.T) {
	req := sip.NewRequest(sip.MESSAGE, sip.Uri{User: "bob", Host: "peer.example.com"})

	t.Run("добавляет отсутствующий заголовок", func(t *testing.T) {
		setHeader(req, sip.NewHeader("Expires", "60"))
		hd := req.GetHeader("Expires")
		require.NotNil(t, hd)
		assert.Equal(t, "60", hd.Value())
	})

	t.Run("заменяет существующий без дублирования", func(t *testing.T) {
		setHeader(req, sip.NewHeader("Expires", "120"))
		assert.Equal(t, "120", req.GetHeader("Expires").Value())
		assert.Len(t, req.GetHeaders("Expires"), 1)
	})
}

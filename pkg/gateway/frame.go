package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/flowforge/gateway/pkg/model"
)

type frameWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (fw *frameWriter) frame(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(fw.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConnectionLost, err)
	}
	fw.flusher.Flush()
	return nil
}

func (fw *frameWriter) comment(text string) error {
	if _, err := fmt.Fprintf(fw.w, ":%s\n\n", text); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConnectionLost, err)
	}
	fw.flusher.Flush()
	return nil
}

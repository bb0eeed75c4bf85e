package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/drummonds/pdfview/render"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 20 * time.Second
)

// progressMessage is one frame on the progress stream
type progressMessage struct {
	Action   string                `json:"action"`
	Progress *render.ProgressState `json:"progress,omitempty"`
	Result   *renderResponse       `json:"result,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := ws.WriteJSON(v)
	if err != nil {
		Logger.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// ProgressStream pushes progress updates of a rendering over a websocket
// until it reaches a terminal stage, then sends the result and closes.
func (serverHandler *ServerHandler) ProgressStream(c echo.Context) error {
	id := c.Param("id")
	if _, ok := serverHandler.Renderer.GetProgress(id); !ok {
		if _, done := serverHandler.Renderer.Result(id); !done {
			return jsonError(c, http.StatusNotFound, "rendering not found")
		}
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		Logger.Error("failed to upgrade the websocket", "error", err)
		return nil
	}
	defer ws.Close()
	Logger.Debug("Progress stream connected", "renderingId", id)

	updates := make(chan render.ProgressState, 16)
	unsubscribe, err := serverHandler.Renderer.OnProgressUpdate(id, func(state render.ProgressState) {
		select {
		case updates <- state:
		default:
			// a slow client only misses intermediate frames
		}
	})
	if err == nil {
		defer unsubscribe()
	}

	// the reader only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case state := <-updates:
			if err := sendJSON(ws, progressMessage{Action: "progress", Progress: &state}); err != nil {
				return nil
			}
			if state.Stage.IsTerminal() {
				serverHandler.sendResult(ctx, ws, id)
				return nil
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		case <-gone:
			Logger.Debug("Progress stream client disconnected", "renderingId", id)
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (serverHandler *ServerHandler) sendResult(ctx context.Context, ws *websocket.Conn, id string) {
	// the result is published just after the terminal progress stage
	deadline := time.After(2 * time.Second)
	for {
		if res, ok := serverHandler.Renderer.Result(id); ok {
			resp := newRenderResponse(res)
			sendJSON(ws, progressMessage{Action: "result", Result: &resp})
			ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(wsWriteWait))
			return
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			sendJSON(ws, progressMessage{Action: "result", Error: "result not available"})
			return
		case <-ctx.Done():
			return
		}
	}
}

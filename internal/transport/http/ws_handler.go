package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"classroom-battle-service/internal/app"
	"classroom-battle-service/internal/domain"
	"github.com/gorilla/websocket"
)

// WSHandler serves the student side of a battle: session views are pushed as
// the coordinator changes them and answers come back over the same socket.
type WSHandler struct {
	coordinator *app.Coordinator
	answers     *app.ResponseClient
	contents    app.ContentRepository
	upgrader    websocket.Upgrader
}

func NewWSHandler(coordinator *app.Coordinator, answers *app.ResponseClient, contents app.ContentRepository) *WSHandler {
	return &WSHandler{
		coordinator: coordinator,
		answers:     answers,
		contents:    contents,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	RoundIndex  int `json:"roundIndex"`
	ChoiceIndex int `json:"choiceIndex"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// questionView is what students see of the open question; the correct index stays server side.
type questionView struct {
	ID       string    `json:"id"`
	Prompt   string    `json:"prompt"`
	Choices  []string  `json:"choices"`
	Deadline time.Time `json:"deadline"`
}

type sessionView struct {
	SessionID         string                  `json:"sessionId"`
	Mode              domain.BattleMode       `json:"mode"`
	Status            domain.SessionStatus    `json:"status"`
	CurrentRoundIndex int                     `json:"currentRoundIndex"`
	RoundCount        int                     `json:"roundCount"`
	CumulativeResult  int                     `json:"cumulativeResult"`
	BossHP            int                     `json:"bossHp,omitempty"`
	Question          *questionView           `json:"question,omitempty"`
	LastRoundResult   *domain.RoundResult     `json:"lastRoundResult,omitempty"`
	You               domain.ParticipantTally `json:"you"`
	EndReason         domain.EndReason        `json:"endReason,omitempty"`
	Revision          int64                   `json:"revision"`
}

// ServeWS upgrades HTTP requests to websockets and wires them into the battle use cases.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	studentID := r.URL.Query().Get("studentId")
	if sessionID == "" || studentID == "" {
		http.Error(w, "missing sessionId or studentId", http.StatusBadRequest)
		return
	}

	ctx, cancelCtx := context.WithCancel(r.Context())
	defer cancelCtx()

	updates, cancel, err := h.coordinator.Watch(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		log.Printf("ws watch %s: %v", sessionID, err)
		http.Error(w, "watch failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// conn allows one concurrent writer; everything goes through send.
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case s, ok := <-updates:
				if !ok {
					select {
					case send <- outboundMessage[any]{Type: "sessionClosed", Payload: struct{}{}}:
					case <-closeSignals:
					case <-writerDone:
					}
					return
				}
				msg := outboundMessage[any]{Type: "session", Payload: h.view(ctx, s, studentID)}
				select {
				case send <- msg:
				case <-closeSignals:
					return
				case <-writerDone:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if !post(send, writerDone, h.reply(ctx, sessionID, studentID, inbound)) {
			break
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func (h *WSHandler) reply(ctx context.Context, sessionID, studentID string, inbound inboundMessage) outboundMessage[any] {
	if inbound.Type != "answer" {
		return outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
	}
	var payload answerPayload
	if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
		return outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}}
	}
	receipt, err := h.answers.SubmitAnswer(ctx, sessionID, studentID, payload.RoundIndex, payload.ChoiceIndex)
	if err != nil {
		log.Printf("ws submit %s/%s: %v", sessionID, studentID, err)
		return outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "answer not recorded"}}
	}
	if !receipt.Accepted {
		log.Printf("session %s: answer from %s for round %d rejected: %s", sessionID, studentID, payload.RoundIndex, receipt.Reason)
	}
	return outboundMessage[any]{Type: "answerReceipt", Payload: receipt}
}

// post queues msg for the writer. It reports false once the writer has exited.
func post(send chan<- outboundMessage[any], writerDone <-chan struct{}, msg outboundMessage[any]) bool {
	select {
	case send <- msg:
		return true
	case <-writerDone:
		return false
	}
}

func (h *WSHandler) view(ctx context.Context, s domain.Session, studentID string) sessionView {
	v := sessionView{
		SessionID:         s.ID,
		Mode:              s.Mode,
		Status:            s.Status,
		CurrentRoundIndex: s.CurrentRoundIndex,
		RoundCount:        s.RoundCount,
		CumulativeResult:  s.CumulativeResult,
		LastRoundResult:   s.LastRoundResult,
		You:               s.Participants[studentID],
		EndReason:         s.EndReason,
		Revision:          s.Revision,
	}
	content, err := h.contents.GetContent(ctx, s.ContentID)
	if err != nil {
		log.Printf("ws view %s: content %s: %v", s.ID, s.ContentID, err)
		return v
	}
	v.BossHP = content.BossHP
	if s.Status == domain.StatusRoundOpen && s.CurrentRoundIndex < len(content.Questions) {
		q := content.Questions[s.CurrentRoundIndex]
		v.Question = &questionView{ID: q.ID, Prompt: q.Prompt, Choices: q.Choices, Deadline: s.RoundDeadline}
	}
	return v
}

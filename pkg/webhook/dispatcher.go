// Package webhook receives inbound messaging callbacks, deduplicates and
// authorizes them, and feeds authorized messages to the session machine.
//
// The vendor delivers at-least-once, so the handler acknowledges with 200
// immediately and processes asynchronously; the MessageSid dedup window
// absorbs redeliveries.
package webhook

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/almasgold/ttbroker/pkg/metrics"
	"github.com/almasgold/ttbroker/pkg/session"
	"github.com/almasgold/ttbroker/pkg/store"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

const accessDeniedText = "Access Denied. This number is not registered with the gold desk. Please contact your account manager."

// Inbound is one vendor callback.
type Inbound struct {
	Body        string
	From        string
	MessageSid  string
	ProfileName string
}

// Annotator records a failed outbound notification on the order the reply was
// about. The engine implements it.
type Annotator interface {
	AnnotateNotificationError(adminID, orderID, message string) error
}

// Dispatcher wires the vendor callback to the session machine.
type Dispatcher struct {
	sessions  *session.Manager
	handler   *session.Handler
	store     *store.Store
	sender    Sender
	annotator Annotator
	log       *zap.SugaredLogger

	processTimeout time.Duration
}

func NewDispatcher(sm *session.Manager, h *session.Handler, st *store.Store, sender Sender, annotator Annotator, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		sessions:       sm,
		handler:        h,
		store:          st,
		sender:         sender,
		annotator:      annotator,
		log:            log,
		processTimeout: 60 * time.Second,
	}
}

// ServeHTTP validates and acknowledges the callback, then processes it in the
// background. The 200 is always sent; dedup compensates for redeliveries.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		metrics.IncWebhookMessage("invalid")
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	msg := Inbound{
		Body:        r.FormValue("Body"),
		From:        r.FormValue("From"),
		MessageSid:  r.FormValue("MessageSid"),
		ProfileName: r.FormValue("ProfileName"),
	}
	if msg.Body == "" || msg.From == "" || msg.MessageSid == "" {
		metrics.IncWebhookMessage("invalid")
		http.Error(w, "missing Body, From or MessageSid", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(emptyTwiML))

	if d.sessions.Seen(msg.MessageSid) {
		metrics.IncWebhookMessage("duplicate")
		d.log.Infow("webhook_duplicate", "sid", msg.MessageSid)
		return
	}

	go d.process(msg)
}

// process authorizes the phone, runs the session machine and sends the reply.
// All errors end in a reply to the user, never a failed callback.
func (d *Dispatcher) process(msg Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), d.processTimeout)
	defer cancel()

	acc, err := d.store.FindAccountByPhone(msg.From)
	if err != nil {
		metrics.IncWebhookMessage("unauthorized")
		d.log.Warnw("webhook_unauthorized", "from", msg.From)
		d.send(ctx, msg.From, accessDeniedText)
		return
	}

	sess := d.sessions.GetOrCreate(msg.From)

	// One message per phone at a time. Concurrent deliveries for the same
	// number queue on the session lock, so a confirmation cannot be applied
	// twice against the same pending order.
	sess.Lock()
	sess.AccountID = acc.ID
	sess.AdminID = acc.AdminOwner
	if sess.UserName == "" {
		sess.UserName = msg.ProfileName
		if sess.UserName == "" {
			sess.UserName = acc.AccountHead
		}
	}

	reply := d.safeHandle(ctx, sess, msg.Body)
	adminID, orderID := sess.AdminID, sess.LastOrderID
	sess.LastOrderID = ""
	sess.Unlock()

	metrics.IncWebhookMessage("processed")

	if err := d.sender.Send(ctx, msg.From, reply); err != nil {
		d.log.Errorw("webhook_send_failed", "to", msg.From, "err", err)
		// The trade is committed; record the missed notification on the
		// order so the desk can follow up.
		if orderID != "" && d.annotator != nil {
			if aerr := d.annotator.AnnotateNotificationError(adminID, orderID, err.Error()); aerr != nil {
				d.log.Errorw("notification_annotate_failed", "orderId", orderID, "err", aerr)
			}
		}
	}
}

// safeHandle shields the send path from a panicking conversation turn.
func (d *Dispatcher) safeHandle(ctx context.Context, sess *session.Session, body string) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("webhook_handler_panic", "phone", sess.Phone, "panic", r)
			reply = "Something went wrong on our side. Please try again."
		}
	}()
	return d.handler.Handle(ctx, sess, body)
}

func (d *Dispatcher) send(ctx context.Context, to, body string) {
	if err := d.sender.Send(ctx, to, body); err != nil {
		d.log.Errorw("webhook_send_failed", "to", to, "err", err)
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/example/kodipay/internal/models"
	"github.com/example/kodipay/internal/utils"
)

// WatchStage is the client-facing phase of a watch session.
type WatchStage string

const (
	StageVerifying WatchStage = "verifying"
	StageSuccess   WatchStage = "success"
	StageFailed    WatchStage = "failed"
	// StageTimeout means the watch bound was exhausted. The transaction
	// stays pending; a later callback, poll, or on-demand verify can
	// still settle it.
	StageTimeout WatchStage = "timeout"
)

// TransactionUpdate is one progress event delivered to subscribers.
type TransactionUpdate struct {
	TransactionID    uuid.UUID                `json:"transaction_id"`
	Stage            WatchStage               `json:"stage"`
	Status           models.TransactionStatus `json:"status"`
	ResultCode       *int                     `json:"result_code"`
	ResultDesc       string                   `json:"result_desc"`
	ReceiptReference string                   `json:"receipt_reference"`
}

// watchOutcome is what a watcher pushes into the session's results
// channel. txID names the row to finalize: normally the watched one, but
// the poll watcher's secondary lookup can surface a sibling.
type watchOutcome struct {
	txID    uuid.UUID
	result  *ProviderResult
	timeout bool
}

type watchSession struct {
	txID    uuid.UUID
	cancel  context.CancelFunc
	results chan watchOutcome

	mu      sync.Mutex
	subs    map[int]chan TransactionUpdate
	nextSub int
	last    *TransactionUpdate
	closed  bool
}

func newWatchSession(txID uuid.UUID, cancel context.CancelFunc) *watchSession {
	return &watchSession{
		txID:    txID,
		cancel:  cancel,
		results: make(chan watchOutcome, 2),
		subs:    map[int]chan TransactionUpdate{},
	}
}

// offer hands a watcher's outcome to the consumer. The channel is sized
// for both producers, so a loser's late send never blocks.
func (w *watchSession) offer(out watchOutcome) {
	select {
	case w.results <- out:
	default:
	}
}

func (w *watchSession) subscribe() (<-chan TransactionUpdate, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan TransactionUpdate, 4)
	if w.closed {
		if w.last != nil {
			ch <- *w.last
		}
		close(ch)
		return ch, func() {}
	}

	id := w.nextSub
	w.nextSub++
	w.subs[id] = ch
	if w.last != nil {
		ch <- *w.last
	}

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if existing, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(existing)
		}
	}
}

func (w *watchSession) broadcast(update TransactionUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = &update
	for _, ch := range w.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

func (w *watchSession) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for id, ch := range w.subs {
		delete(w.subs, id)
		close(ch)
	}
}

// ReconService chases pending transactions to an outcome. Each watched
// transaction gets one session in which a live-feed watcher and a poll
// watcher race; whichever lands a result first feeds Finalize, the only
// writer of terminal status.
type ReconService struct {
	db       *gorm.DB
	feed     ResultFeed
	telegram *TelegramService
	logger   *logrus.Logger

	pollInterval    time.Duration
	maxPollAttempts int

	mu       sync.Mutex
	sessions map[uuid.UUID]*watchSession

	lockMu sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex
}

func NewReconService(db *gorm.DB, feed ResultFeed, telegram *TelegramService, logger *logrus.Logger,
	pollInterval time.Duration, maxPollAttempts int) *ReconService {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if maxPollAttempts <= 0 {
		maxPollAttempts = 12
	}
	return &ReconService{
		db:              db,
		feed:            feed,
		telegram:        telegram,
		logger:          logger,
		pollInterval:    pollInterval,
		maxPollAttempts: maxPollAttempts,
		sessions:        map[uuid.UUID]*watchSession{},
		locks:           map[uuid.UUID]*sync.Mutex{},
	}
}

// Watch starts a watch session for the transaction. Idempotent: a second
// call while a session is live attaches to the existing one.
func (s *ReconService) Watch(txID uuid.UUID) {
	s.mu.Lock()
	if _, ok := s.sessions[txID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := newWatchSession(txID, cancel)
	s.sessions[txID] = sess
	s.mu.Unlock()

	go s.runSession(ctx, sess)
}

// Cancel tears down a session without touching the ledger. Used when the
// client stops waiting; a later Watch or Poll picks the row back up.
func (s *ReconService) Cancel(txID uuid.UUID) {
	s.mu.Lock()
	sess := s.sessions[txID]
	s.mu.Unlock()
	if sess != nil {
		sess.cancel()
	}
}

// Subscribe attaches to the transaction's update stream, starting a
// session if the row is still pending without one. Terminal rows yield a
// single update on an already-closed channel.
func (s *ReconService) Subscribe(txID uuid.UUID) (<-chan TransactionUpdate, func(), error) {
	s.mu.Lock()
	sess := s.sessions[txID]
	s.mu.Unlock()
	if sess != nil {
		ch, cancel := sess.subscribe()
		return ch, cancel, nil
	}

	var txn models.Transaction
	if err := s.db.First(&txn, "id = ?", txID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, NewPaymentError(ErrKindTransactionNotFound, "transaction not found")
		}
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	if !txn.Status.Terminal() {
		s.Watch(txID)
		s.mu.Lock()
		sess = s.sessions[txID]
		s.mu.Unlock()
		if sess != nil {
			ch, cancel := sess.subscribe()
			return ch, cancel, nil
		}
		// The session settled between Watch and the lookup; fall through
		// to a snapshot of the row.
		if err := s.db.First(&txn, "id = ?", txID).Error; err != nil {
			return nil, nil, fmt.Errorf("subscribe: %w", err)
		}
	}

	ch := make(chan TransactionUpdate, 1)
	ch <- updateFromRow(&txn)
	close(ch)
	return ch, func() {}, nil
}

func (s *ReconService) runSession(ctx context.Context, sess *watchSession) {
	defer s.closeSession(sess)

	// A result may have landed (or the row settled) before this session
	// started, e.g. a callback that beat the client's first await.
	var txn models.Transaction
	if err := s.db.WithContext(ctx).First(&txn, "id = ?", sess.txID).Error; err != nil {
		s.logger.Errorf("[Recon] watch %s: load: %v", sess.txID, err)
		return
	}
	if txn.Status.Terminal() {
		sess.broadcast(updateFromRow(&txn))
		return
	}
	if txn.HasResult() {
		s.settle(ctx, sess, watchOutcome{txID: sess.txID, result: resultFromRow(&txn)})
		return
	}

	sess.broadcast(TransactionUpdate{TransactionID: sess.txID, Stage: StageVerifying, Status: txn.Status})

	go s.liveWatch(ctx, sess)
	go s.pollWatch(ctx, sess)

	select {
	case <-ctx.Done():
	case out := <-sess.results:
		s.settle(ctx, sess, out)
	}
}

func (s *ReconService) closeSession(sess *watchSession) {
	sess.cancel()
	s.mu.Lock()
	delete(s.sessions, sess.txID)
	s.mu.Unlock()
	sess.close()
}

// settle consumes the winning outcome. Timeout is a reporting state, not
// a ledger transition.
func (s *ReconService) settle(ctx context.Context, sess *watchSession, out watchOutcome) {
	if out.timeout {
		s.logger.Infof("[Recon] watch %s exhausted %d poll attempts; leaving pending", sess.txID, s.maxPollAttempts)
		sess.broadcast(TransactionUpdate{
			TransactionID: sess.txID,
			Stage:         StageTimeout,
			Status:        models.TransactionStatusPending,
		})
		return
	}

	txn, _, err := s.Finalize(ctx, out.txID, *out.result)
	if err != nil {
		s.logger.Errorf("[Recon] finalize %s: %v", out.txID, err)
		sess.broadcast(TransactionUpdate{TransactionID: sess.txID, Stage: StageVerifying, Status: models.TransactionStatusPending})
		return
	}
	sess.broadcast(updateFromRow(txn))
}

func (s *ReconService) liveWatch(ctx context.Context, sess *watchSession) {
	if s.feed == nil {
		return
	}
	ch, closeFn, err := s.feed.Subscribe(ctx, sess.txID)
	if err != nil {
		s.logger.Warnf("[Recon] live feed unavailable for %s: %v", sess.txID, err)
		return
	}
	defer closeFn()

	select {
	case <-ctx.Done():
	case res, ok := <-ch:
		if !ok {
			return
		}
		sess.offer(watchOutcome{txID: sess.txID, result: &res})
	}
}

func (s *ReconService) pollWatch(ctx context.Context, sess *watchSession) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= s.maxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var txn models.Transaction
		if err := s.db.WithContext(ctx).First(&txn, "id = ?", sess.txID).Error; err != nil {
			s.logger.Warnf("[Recon] poll %s attempt %d: %v", sess.txID, attempt, err)
			continue
		}
		if txn.HasResult() || txn.Status.Terminal() {
			sess.offer(watchOutcome{txID: sess.txID, result: resultFromRow(&txn)})
			return
		}

		// Secondary lookup: some rails cannot echo our correlation id, so
		// the result lands on a sibling attempt against the same invoice.
		var sibling models.Transaction
		err := s.db.WithContext(ctx).
			Where("invoice_id = ? AND id <> ? AND result_code IS NOT NULL", txn.InvoiceID, txn.ID).
			Order("created_at DESC").
			First(&sibling).Error
		if err == nil {
			sess.offer(watchOutcome{txID: sibling.ID, result: resultFromRow(&sibling)})
			return
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warnf("[Recon] poll %s sibling lookup: %v", sess.txID, err)
		}
	}

	sess.offer(watchOutcome{txID: sess.txID, timeout: true})
}

// Ingest records a provider-delivered result on the pending row and
// notifies live watchers. It never transitions status: finalize owns
// terminal writes. Duplicate deliveries are no-ops.
func (s *ReconService) Ingest(ctx context.Context, res ProviderResult) error {
	if res.CorrelationID == "" {
		return NewPaymentError(ErrKindTransactionNotFound, "result carries no correlation id")
	}

	var txn models.Transaction
	if err := s.db.WithContext(ctx).First(&txn, "correlation_id = ?", res.CorrelationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewPaymentError(ErrKindTransactionNotFound, "no transaction for correlation id")
		}
		return fmt.Errorf("ingest: %w", err)
	}

	if txn.Status.Terminal() || txn.HasResult() {
		s.logger.Infof("[Recon] duplicate result for %s ignored", txn.ID)
		return nil
	}

	updates := map[string]any{
		"result_code": res.ResultCode,
		"result_desc": res.ResultDesc,
	}
	if res.ReceiptReference != "" {
		updates["receipt_reference"] = res.ReceiptReference
	}

	recorded := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ? AND result_code IS NULL", txn.ID, models.TransactionStatusPending).
		Updates(updates)
	if recorded.Error != nil {
		return fmt.Errorf("ingest: record result: %w", recorded.Error)
	}
	if recorded.RowsAffected == 0 {
		s.logger.Infof("[Recon] result for %s raced an earlier delivery; ignored", txn.ID)
		return nil
	}

	s.logger.Infof("[Recon] result recorded for %s (code=%d)", txn.ID, res.ResultCode)

	if s.feed != nil {
		if err := s.feed.Publish(ctx, txn.ID, res); err != nil {
			s.logger.Warnf("[Recon] publish result for %s: %v", txn.ID, err)
		}
	}
	return nil
}

func (s *ReconService) lockFor(txID uuid.UUID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if l, ok := s.locks[txID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[txID] = l
	return l
}

func (s *ReconService) dropLock(txID uuid.UUID) {
	s.lockMu.Lock()
	delete(s.locks, txID)
	s.lockMu.Unlock()
}

// Finalize applies a provider result to the ledger exactly once. The
// returned bool reports whether this call won the terminal write. Losers
// and repeat calls get the settled row back unchanged. Success also flips
// the invoice to paid and appends the Payment row, all in one database
// transaction.
func (s *ReconService) Finalize(ctx context.Context, txID uuid.UUID, res ProviderResult) (*models.Transaction, bool, error) {
	lock := s.lockFor(txID)
	lock.Lock()
	defer lock.Unlock()

	var txn models.Transaction
	if err := s.db.WithContext(ctx).First(&txn, "id = ?", txID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, NewPaymentError(ErrKindTransactionNotFound, "transaction not found")
		}
		return nil, false, fmt.Errorf("finalize: %w", err)
	}
	if txn.Status.Terminal() {
		return &txn, false, nil
	}

	status := models.TransactionStatusFailed
	if res.ResultCode == 0 {
		status = models.TransactionStatusCompleted
	}
	now := time.Now()
	won := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":       status,
			"result_code":  res.ResultCode,
			"result_desc":  res.ResultDesc,
			"finalized_at": now,
		}
		if res.ReceiptReference != "" {
			updates["receipt_reference"] = res.ReceiptReference
		}

		guarded := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", txID, models.TransactionStatusPending).
			Updates(updates)
		if guarded.Error != nil {
			return guarded.Error
		}
		if guarded.RowsAffected == 0 {
			// A concurrent finalizer won; nothing more to do here.
			return nil
		}
		won = true

		if status != models.TransactionStatusCompleted {
			return nil
		}

		if err := tx.Model(&models.Invoice{}).
			Where("id = ? AND status <> ?", txn.InvoiceID, models.InvoiceStatusPaid).
			Updates(map[string]any{
				"status":            models.InvoiceStatusPaid,
				"receipt_reference": res.ReceiptReference,
				"paid_at":           now,
			}).Error; err != nil {
			return err
		}

		payment := models.Payment{
			InvoiceID:        txn.InvoiceID,
			TransactionID:    txn.ID,
			TenantID:         txn.TenantID,
			Msisdn:           txn.Msisdn,
			Amount:           txn.Amount,
			ReceiptReference: res.ReceiptReference,
			ProviderKind:     txn.ProviderKind,
			PaidAt:           now,
		}
		return tx.Create(&payment).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("finalize: %w", err)
	}

	if err := s.db.WithContext(ctx).First(&txn, "id = ?", txID).Error; err != nil {
		return nil, won, fmt.Errorf("finalize: reload: %w", err)
	}

	if won {
		s.dropLock(txID)
		s.logger.WithFields(logrus.Fields{
			"transaction": txn.ID,
			"invoice":     txn.InvoiceID,
			"status":      txn.Status,
			"result_code": res.ResultCode,
			"msisdn":      utils.MaskMSISDN(txn.Msisdn),
		}).Info("[Recon] transaction finalized")

		if s.telegram != nil {
			if status == models.TransactionStatusCompleted {
				go s.telegram.NotifyPaymentSuccess(txn.AccountReference, utils.MaskMSISDN(txn.Msisdn),
					txn.Amount, txn.ReceiptReference)
			} else {
				go s.telegram.NotifyPaymentFailure(txn.AccountReference, utils.MaskMSISDN(txn.Msisdn), res.ResultDesc)
			}
		}
	}

	return &txn, won, nil
}

// Poll reports the transaction's current state. If a result landed while
// nothing was watching, it finalizes lazily before reporting.
func (s *ReconService) Poll(ctx context.Context, txID uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := s.db.WithContext(ctx).First(&txn, "id = ?", txID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewPaymentError(ErrKindTransactionNotFound, "transaction not found")
		}
		return nil, fmt.Errorf("poll: %w", err)
	}

	if txn.Status == models.TransactionStatusPending && txn.HasResult() {
		finalized, _, err := s.Finalize(ctx, txID, *resultFromRow(&txn))
		if err != nil {
			s.logger.Errorf("[Recon] lazy finalize %s: %v", txID, err)
			return &txn, nil
		}
		return finalized, nil
	}

	return &txn, nil
}

func resultFromRow(txn *models.Transaction) *ProviderResult {
	res := &ProviderResult{
		CorrelationID:    txn.CorrelationID,
		ResultDesc:       txn.ResultDesc,
		ReceiptReference: txn.ReceiptReference,
	}
	if txn.ResultCode != nil {
		res.ResultCode = *txn.ResultCode
	}
	return res
}

func updateFromRow(txn *models.Transaction) TransactionUpdate {
	stage := StageVerifying
	switch txn.Status {
	case models.TransactionStatusCompleted:
		stage = StageSuccess
	case models.TransactionStatusFailed:
		stage = StageFailed
	}
	return TransactionUpdate{
		TransactionID:    txn.ID,
		Stage:            stage,
		Status:           txn.Status,
		ResultCode:       txn.ResultCode,
		ResultDesc:       txn.ResultDesc,
		ReceiptReference: txn.ReceiptReference,
	}
}

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/habitloop/relay/common"
	"github.com/habitloop/relay/core"
)

// OfflineQueueItemStatus delivery state of one queue item
type OfflineQueueItemStatus string

// Queue item states
const (
	OfflineItemPending    = OfflineQueueItemStatus("pending")
	OfflineItemProcessing = OfflineQueueItemStatus("processing")
	OfflineItemCompleted  = OfflineQueueItemStatus("completed")
	OfflineItemFailed     = OfflineQueueItemStatus("failed")
)

// OfflineQueueItem retryable delivery work for group members who had no
// live connection when a message was broadcast. Delivery through this queue
// is at-least-once; a recipient reconnecting mid-retry may see a duplicate.
type OfflineQueueItem struct {
	// ID is the queue item ID
	ID string `json:"id"`
	// MessageID is the message which missed these recipients
	MessageID string `json:"message_id"`
	// GroupID is the group the message was sent in
	GroupID string `json:"group_id"`
	// Recipients are the user IDs with zero live connections at fanout time
	Recipients []string `json:"recipients"`
	// Status is the delivery state
	Status OfflineQueueItemStatus `json:"status"`
	// RetryCount number of delivery attempts made so far
	RetryCount int `json:"retry_count"`
	// MaxRetries attempts ceiling before the item is marked failed
	MaxRetries int `json:"max_retries"`
	// Priority delivery priority hint for the notification pipeline
	Priority int `json:"priority"`
	// ScheduledAt earliest time of the next delivery attempt
	ScheduledAt time.Time `json:"scheduled_at"`
	// CreatedAt when the fanout miss was captured
	CreatedAt time.Time `json:"created_at"`
}

// OfflineQueueStats queue item counts by state for monitoring
type OfflineQueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// OfflineQueueConfig tunables of the offline delivery queue
type OfflineQueueConfig struct {
	// MaxRetries attempts ceiling per item
	MaxRetries int
	// RetryInterval delay before a failed attempt is retried
	RetryInterval time.Duration
	// TaskBuffer queue operation buffer length
	TaskBuffer int
}

// OfflineDeliveryQueue captures fanout misses as retryable work items and
// hands them to the external notification collaborator. All state changes
// run on a single task processor loop, off the broadcast path.
type OfflineDeliveryQueue interface {
	// Start begin queue operation
	Start() error
	// Stop halt queue operation
	Stop() error
	// CaptureMisses record recipients a broadcast did not reach. Appends to
	// an existing pending item when one exists for the same message.
	CaptureMisses(ctxt context.Context, groupID, messageID string, recipients []string) error
	// DispatchDue attempt delivery of every item scheduled at or before now
	DispatchDue(ctxt context.Context, now time.Time) error
	// Items snapshot of all queue items
	Items() []OfflineQueueItem
	// Stats queue item counts by state
	Stats() OfflineQueueStats
}

// offlineDeliveryQueueImpl implements OfflineDeliveryQueue
type offlineDeliveryQueueImpl struct {
	common.Component
	tp             common.TaskProcessor
	retryTimer     common.IntervalTimer
	notifier       OfflineDeliveryNotifier
	config         OfflineQueueConfig
	items          map[string]*OfflineQueueItem
	completedTotal int
	failedTotal    int
	rootContext    context.Context
	wg             *sync.WaitGroup
	lock           *sync.Mutex
	started        bool
}

// GetOfflineDeliveryQueue define a new offline delivery queue
func GetOfflineDeliveryQueue(
	ctxt context.Context,
	instance string,
	notifier OfflineDeliveryNotifier,
	config OfflineQueueConfig,
	wg *sync.WaitGroup,
) (OfflineDeliveryQueue, error) {
	logTags := log.Fields{
		"module": "messaging", "component": "offline-delivery-queue", "instance": instance,
	}
	tp, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("offline-%s", instance), config.TaskBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	retryTimer, err := common.GetIntervalTimerInstance(
		ctxt, fmt.Sprintf("offline-retry-%s", instance), wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define retry timer")
		return nil, err
	}
	instance_ := offlineDeliveryQueueImpl{
		Component:   common.Component{LogTags: logTags},
		tp:          tp,
		retryTimer:  retryTimer,
		notifier:    notifier,
		config:      config,
		items:       make(map[string]*OfflineQueueItem),
		rootContext: ctxt,
		wg:          wg,
		lock:        &sync.Mutex{},
		started:     false,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(offlineQueueCaptureReq{}), instance_.processCaptureRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(offlineQueueDispatchReq{}), instance_.processDispatchRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(offlineQueueSnapshotReq{}), instance_.processSnapshotRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(offlineQueueStatsReq{}), instance_.processStatsRequest,
	); err != nil {
		return nil, err
	}
	return &instance_, nil
}

// Start begin queue operation
func (q *offlineDeliveryQueueImpl) Start() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.started {
		return fmt.Errorf("already started")
	}
	if err := q.tp.StartEventLoop(q.wg); err != nil {
		log.WithError(err).WithFields(q.LogTags).Error("Failed to start task processor")
		return err
	}
	if err := q.retryTimer.Start(q.config.RetryInterval, func() error {
		return q.DispatchDue(q.rootContext, time.Now().UTC())
	}, false); err != nil {
		log.WithError(err).WithFields(q.LogTags).Error("Failed to start retry timer")
		return err
	}
	q.started = true
	return nil
}

// Stop halt queue operation
func (q *offlineDeliveryQueueImpl) Stop() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.started {
		return nil
	}
	q.started = false
	if err := q.retryTimer.Stop(); err != nil {
		log.WithError(err).WithFields(q.LogTags).Error("Failed to stop retry timer")
	}
	return q.tp.StopEventLoop()
}

// ----------------------------------------------------------------------------------------

type offlineQueueCaptureReq struct {
	groupID    string
	messageID  string
	recipients []string
	timestamp  time.Time
	resultCB   func(error)
}

// CaptureMisses record recipients a broadcast did not reach
func (q *offlineDeliveryQueueImpl) CaptureMisses(
	ctxt context.Context, groupID, messageID string, recipients []string,
) error {
	if len(recipients) == 0 {
		return nil
	}
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := offlineQueueCaptureReq{
		groupID:    groupID,
		messageID:  messageID,
		recipients: recipients,
		timestamp:  time.Now().UTC(),
		resultCB:   handler,
	}

	if err := q.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(q.LogTags).Errorf("Failed to submit capture-misses request")
		return err
	}

	<-complete
	return processError
}

func (q *offlineDeliveryQueueImpl) processCaptureRequest(param interface{}) error {
	request, ok := param.(offlineQueueCaptureReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for capture misses", reflect.TypeOf(param),
		)
	}
	err := q.ProcessCaptureRequest(
		request.groupID, request.messageID, request.recipients, request.timestamp,
	)
	request.resultCB(err)
	return err
}

// ProcessCaptureRequest record recipients a broadcast did not reach
func (q *offlineDeliveryQueueImpl) ProcessCaptureRequest(
	groupID, messageID string, recipients []string, timestamp time.Time,
) error {
	// Fold into an existing pending item for the same message
	if existing, ok := q.items[messageID]; ok && existing.Status == OfflineItemPending {
		known := make(map[string]bool, len(existing.Recipients))
		for _, userID := range existing.Recipients {
			known[userID] = true
		}
		for _, userID := range recipients {
			if !known[userID] {
				existing.Recipients = append(existing.Recipients, userID)
			}
		}
		log.WithFields(q.LogTags).Debugf(
			"Appended %d recipients to pending item for message %s", len(recipients), messageID,
		)
		return nil
	}

	newItem := &OfflineQueueItem{
		ID:          uuid.New().String(),
		MessageID:   messageID,
		GroupID:     groupID,
		Recipients:  recipients,
		Status:      OfflineItemPending,
		RetryCount:  0,
		MaxRetries:  q.config.MaxRetries,
		ScheduledAt: timestamp,
		CreatedAt:   timestamp,
	}
	q.items[messageID] = newItem
	log.WithFields(q.LogTags).Infof(
		"Captured fanout miss of message %s in group %s for %d recipients",
		messageID, groupID, len(recipients),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type offlineQueueDispatchReq struct {
	now      time.Time
	resultCB func(error)
}

// DispatchDue attempt delivery of every item scheduled at or before now
func (q *offlineDeliveryQueueImpl) DispatchDue(ctxt context.Context, now time.Time) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := offlineQueueDispatchReq{now: now, resultCB: handler}

	if err := q.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(q.LogTags).Errorf("Failed to submit dispatch request")
		return err
	}

	<-complete
	return processError
}

func (q *offlineDeliveryQueueImpl) processDispatchRequest(param interface{}) error {
	request, ok := param.(offlineQueueDispatchReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for dispatch due", reflect.TypeOf(param),
		)
	}
	err := q.ProcessDispatchRequest(request.now)
	request.resultCB(err)
	return err
}

// ProcessDispatchRequest attempt delivery of every due item. The notifier
// call runs on the queue loop only; connection tasks are never blocked by a
// slow notification collaborator. Items which reached a terminal state on an
// earlier pass are pruned here, with running totals kept for monitoring.
func (q *offlineDeliveryQueueImpl) ProcessDispatchRequest(now time.Time) error {
	for messageID, item := range q.items {
		switch item.Status {
		case OfflineItemCompleted:
			q.completedTotal++
			delete(q.items, messageID)
			continue
		case OfflineItemFailed:
			q.failedTotal++
			delete(q.items, messageID)
			continue
		}
		if item.Status != OfflineItemPending || item.ScheduledAt.After(now) {
			continue
		}
		item.Status = OfflineItemProcessing
		item.RetryCount++
		if err := q.notifier.EnqueueOfflineDelivery(q.rootContext, *item); err != nil {
			log.WithError(err).WithFields(q.LogTags).Errorf(
				"Delivery attempt %d for message %s failed", item.RetryCount, messageID,
			)
			if item.RetryCount > item.MaxRetries {
				item.Status = OfflineItemFailed
				log.WithFields(q.LogTags).Warnf(
					"Delivery of message %s abandoned after %d attempts",
					messageID, item.RetryCount,
				)
				continue
			}
			item.Status = OfflineItemPending
			item.ScheduledAt = now.Add(q.config.RetryInterval)
			continue
		}
		item.Status = OfflineItemCompleted
		log.WithFields(q.LogTags).Infof(
			"Handed message %s to notification pipeline for %d recipients",
			messageID, len(item.Recipients),
		)
	}
	return nil
}

// ----------------------------------------------------------------------------------------

// Items snapshot of all queue items
func (q *offlineDeliveryQueueImpl) Items() []OfflineQueueItem {
	result := make(chan []OfflineQueueItem, 1)
	request := offlineQueueSnapshotReq{resultCB: func(items []OfflineQueueItem) {
		result <- items
	}}
	if err := q.tp.Submit(request, q.rootContext); err != nil {
		log.WithError(err).WithFields(q.LogTags).Errorf("Failed to submit snapshot request")
		return nil
	}
	return <-result
}

// Stats queue item counts by state. Completed and failed counts cover pruned
// items as well.
func (q *offlineDeliveryQueueImpl) Stats() OfflineQueueStats {
	result := make(chan OfflineQueueStats, 1)
	request := offlineQueueStatsReq{resultCB: func(stats OfflineQueueStats) {
		result <- stats
	}}
	if err := q.tp.Submit(request, q.rootContext); err != nil {
		log.WithError(err).WithFields(q.LogTags).Errorf("Failed to submit stats request")
		return OfflineQueueStats{}
	}
	return <-result
}

type offlineQueueStatsReq struct {
	resultCB func(OfflineQueueStats)
}

func (q *offlineDeliveryQueueImpl) processStatsRequest(param interface{}) error {
	request, ok := param.(offlineQueueStatsReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for queue stats", reflect.TypeOf(param),
		)
	}
	stats := OfflineQueueStats{Completed: q.completedTotal, Failed: q.failedTotal}
	for _, item := range q.items {
		switch item.Status {
		case OfflineItemPending:
			stats.Pending++
		case OfflineItemProcessing:
			stats.Processing++
		case OfflineItemCompleted:
			stats.Completed++
		case OfflineItemFailed:
			stats.Failed++
		}
	}
	request.resultCB(stats)
	return nil
}

type offlineQueueSnapshotReq struct {
	resultCB func([]OfflineQueueItem)
}

func (q *offlineDeliveryQueueImpl) processSnapshotRequest(param interface{}) error {
	request, ok := param.(offlineQueueSnapshotReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for queue snapshot", reflect.TypeOf(param),
		)
	}
	result := make([]OfflineQueueItem, 0, len(q.items))
	for _, item := range q.items {
		copied := *item
		copied.Recipients = append([]string{}, item.Recipients...)
		result = append(result, copied)
	}
	request.resultCB(result)
	return nil
}

// ========================================================================================
// NATS delivery handoff

// natsOfflineNotifier implements OfflineDeliveryNotifier by publishing queue
// items on a NATS subject consumed by the push / email notification worker
type natsOfflineNotifier struct {
	common.Component
	client        *core.NatsClient
	subjectPrefix string
}

// GetNATSOfflineNotifier define an OfflineDeliveryNotifier backed by NATS
func GetNATSOfflineNotifier(
	client *core.NatsClient, subjectPrefix string,
) (OfflineDeliveryNotifier, error) {
	logTags := log.Fields{
		"module": "messaging", "component": "nats-offline-notifier", "subject": subjectPrefix,
	}
	return &natsOfflineNotifier{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		subjectPrefix: subjectPrefix,
	}, nil
}

// EnqueueOfflineDelivery publish one queue item for the notification worker
func (n *natsOfflineNotifier) EnqueueOfflineDelivery(
	ctxt context.Context, item OfflineQueueItem,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, n.LogTags)
	serialized, err := json.Marshal(&item)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to serialize queue item %s", item.ID,
		)
		return err
	}
	subject := fmt.Sprintf("%s.%s", n.subjectPrefix, item.GroupID)
	ack, err := n.client.JetStream().PublishAsync(subject, serialized)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to publish queue item %s", item.ID,
		)
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Queue item publish failure")
			return err
		}
		log.WithFields(localLogTags).Debugf(
			"Published queue item %s as [%d] on %s", item.ID, goodSig.Sequence, subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Queue item publish failure")
			return err
		}
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(localLogTags).Errorf("Queue item publish timed out")
		return err
	}
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory AMQP-like broker: direct exchanges, bindings,
// dead-letter arguments, per-queue message TTL, per-consumer prefetch and
// manual ack/nack. Like RabbitMQ it closes a channel on a channel exception
// (406 PRECONDITION_FAILED, 404 NOT_FOUND).
type fakeBroker struct {
	mu sync.Mutex

	exchanges map[string]*fakeExchange
	queues    map[string]*fakeQueue
	conns     []*fakeConn
	inflight  map[uint64]*fakeInflight
	nextTag   uint64

	dials        int
	declareCalls int
	dialErr      error
	publishErr   error
	rejects      map[string]int // queue -> declarations left to fail
}

type fakeExchange struct {
	name     string
	kind     string
	durable  bool
	bindings map[string][]string // routing key -> queues
}

type fakeQueue struct {
	name      string
	durable   bool
	args      amqp.Table
	ready     []*fakeMessage
	consumers []*fakeConsumer
	next      int
}

type fakeMessage struct {
	exchange   string
	routingKey string
	pub        amqp.Publishing
	expiry     *time.Timer
}

type fakeConsumer struct {
	ch       *fakeChannel
	tag      string
	queue    string
	prefetch int
	unacked  int
	out      chan amqp.Delivery
	active   bool
}

type fakeInflight struct {
	consumer *fakeConsumer
	queue    string
	msg      *fakeMessage
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]*fakeExchange),
		queues:    make(map[string]*fakeQueue),
		inflight:  make(map[uint64]*fakeInflight),
		rejects:   make(map[string]int),
	}
}

func (b *fakeBroker) dial(_ string, _ amqp.Config) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &fakeConn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) setDialErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

func (b *fakeBroker) setPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// rejectDeclare fails the next n declarations of queue with 406
func (b *fakeBroker) rejectDeclare(queue string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects[queue] = n
}

// redeclareQueue replaces a queue from outside any client, dropping its messages
func (b *fakeBroker) redeclareQueue(name string, durable bool, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		for _, m := range q.ready {
			if m.expiry != nil {
				m.expiry.Stop()
			}
		}
	}
	b.queues[name] = &fakeQueue{name: name, durable: durable, args: args}
}

func (b *fakeBroker) hasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) declareCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declareCalls
}

// dropConnections closes every open connection as if the network failed
func (b *fakeBroker) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, conn := range b.conns {
		conn.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "connection dropped"})
	}
}

// restart drops every connection and forgets all topology, like a broker
// that lost its non-replicated state
func (b *fakeBroker) restart() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, conn := range b.conns {
		conn.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restarted"})
	}
	for _, q := range b.queues {
		for _, m := range q.ready {
			if m.expiry != nil {
				m.expiry.Stop()
			}
		}
	}
	b.exchanges = make(map[string]*fakeExchange)
	b.queues = make(map[string]*fakeQueue)
	b.inflight = make(map[uint64]*fakeInflight)
}

func (b *fakeBroker) hasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

func (b *fakeBroker) exchangeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exchanges)
}

func (b *fakeBroker) queueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

func (b *fakeBroker) queueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

func (b *fakeBroker) bound(exchange, key, queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchange]
	if !ok {
		return false
	}
	for _, q := range ex.bindings[key] {
		if q == queue {
			return true
		}
	}
	return false
}

// depth counts ready messages in a queue
func (b *fakeBroker) depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

func (b *fakeBroker) readyMessages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.pub)
	}
	return out
}

func (b *fakeBroker) consumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

func (b *fakeBroker) unackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// inject publishes a raw body straight onto an exchange
func (b *fakeBroker) inject(exchange, key string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.routeLocked(exchange, key, amqp.Publishing{Body: body})
}

func (b *fakeBroker) routeLocked(exchange, key string, pub amqp.Publishing) error {
	ex, ok := b.exchanges[exchange]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no exchange '%s'", exchange)}
	}
	for _, name := range ex.bindings[key] {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		b.enqueueLocked(q, &fakeMessage{exchange: exchange, routingKey: key, pub: pub})
	}
	return nil
}

func (b *fakeBroker) enqueueLocked(q *fakeQueue, msg *fakeMessage) {
	q.ready = append(q.ready, msg)

	if ttl, ok := q.args["x-message-ttl"].(int64); ok && ttl > 0 {
		queueName := q.name
		msg.expiry = time.AfterFunc(time.Duration(ttl)*time.Millisecond, func() {
			b.expire(queueName, msg)
		})
	}

	b.dispatchLocked(q)
}

func (b *fakeBroker) expire(queueName string, msg *fakeMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return
	}
	for i, m := range q.ready {
		if m == msg {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			b.deadLetterLocked(q, msg)
			return
		}
	}
}

func (b *fakeBroker) deadLetterLocked(q *fakeQueue, msg *fakeMessage) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := msg.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = k
	}
	_ = b.routeLocked(dlx, key, msg.pub)
}

func (b *fakeBroker) dispatchLocked(q *fakeQueue) {
	for len(q.ready) > 0 {
		consumer := b.nextConsumerLocked(q)
		if consumer == nil {
			return
		}

		msg := q.ready[0]
		q.ready = q.ready[1:]
		if msg.expiry != nil {
			msg.expiry.Stop()
			msg.expiry = nil
		}

		b.nextTag++
		tag := b.nextTag
		consumer.unacked++
		b.inflight[tag] = &fakeInflight{consumer: consumer, queue: q.name, msg: msg}

		consumer.out <- amqp.Delivery{
			Acknowledger: consumer.ch,
			ConsumerTag:  consumer.tag,
			DeliveryTag:  tag,
			Exchange:     msg.exchange,
			RoutingKey:   msg.routingKey,
			ContentType:  msg.pub.ContentType,
			DeliveryMode: msg.pub.DeliveryMode,
			MessageId:    msg.pub.MessageId,
			Timestamp:    msg.pub.Timestamp,
			Headers:      msg.pub.Headers,
			Body:         msg.pub.Body,
		}
	}
}

func (b *fakeBroker) nextConsumerLocked(q *fakeQueue) *fakeConsumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.active && c.unacked < c.prefetch {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (b *fakeBroker) removeConsumerLocked(c *fakeConsumer) {
	if !c.active {
		return
	}
	c.active = false
	close(c.out)

	if q, ok := b.queues[c.queue]; ok {
		for i, other := range q.consumers {
			if other == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
		q.next = 0
	}
}

// settleLocked removes an inflight delivery and reports its queue
func (b *fakeBroker) settleLocked(ch *fakeChannel, tag uint64) (*fakeInflight, error) {
	inf, ok := b.inflight[tag]
	if !ok || inf.consumer.ch != ch {
		return nil, ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("unknown delivery tag %d", tag))
	}
	delete(b.inflight, tag)
	inf.consumer.unacked--
	return inf, nil
}

type fakeConn struct {
	broker   *fakeBroker
	channels []*fakeChannel
	notify   []chan *amqp.Error
	closed   bool
}

func (c *fakeConn) Channel() (Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{broker: c.broker, conn: c, prefetch: 0}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *fakeConn) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked(reason)
	}
	notifyLocked(c.notify, reason)
	c.notify = nil
}

func notifyLocked(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, r := range receivers {
		if reason != nil {
			select {
			case r <- reason:
			default:
			}
		}
		close(r)
	}
}

type fakeChannel struct {
	broker    *fakeBroker
	conn      *fakeConn
	prefetch  int
	consumers []*fakeConsumer
	notify    []chan *amqp.Error
	closed    bool
}

func (ch *fakeChannel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	b := ch.broker
	for _, c := range ch.consumers {
		b.removeConsumerLocked(c)
	}

	// unacked deliveries go back to the head of their queue
	touched := map[string]*fakeQueue{}
	for tag, inf := range b.inflight {
		if inf.consumer.ch != ch {
			continue
		}
		delete(b.inflight, tag)
		if q, ok := b.queues[inf.queue]; ok {
			q.ready = append([]*fakeMessage{inf.msg}, q.ready...)
			touched[q.name] = q
		}
	}
	for _, q := range touched {
		b.dispatchLocked(q)
	}

	notifyLocked(ch.notify, reason)
	ch.notify = nil
}

// failLocked raises a channel exception: the channel closes and the error is returned
func (ch *fakeChannel) failLocked(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason}
	ch.closeLocked(err)
	return err
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.declareCalls++
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.failLocked(amqp.PreconditionFailed, "inequivalent arg for exchange "+name)
		}
		return nil
	}
	b.exchanges[name] = &fakeExchange{name: name, kind: kind, durable: durable, bindings: map[string][]string{}}
	return nil
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[name]; !ok {
		return ch.failLocked(amqp.NotFound, "no exchange "+name)
	}
	return nil
}

func (ch *fakeChannel) ExchangeDelete(name string, _, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	delete(b.exchanges, name)
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b.declareCalls++
	if n := b.rejects[name]; n > 0 {
		b.rejects[name] = n - 1
		return amqp.Queue{}, ch.failLocked(amqp.PreconditionFailed, "declaration of queue "+name+" refused")
	}
	if q, ok := b.queues[name]; ok {
		if q.durable != durable || !reflect.DeepEqual(normalizeArgs(q.args), normalizeArgs(args)) {
			return amqp.Queue{}, ch.failLocked(amqp.PreconditionFailed, "inequivalent arg for queue "+name)
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}
	b.queues[name] = &fakeQueue{name: name, durable: durable, args: args}
	return amqp.Queue{Name: name}, nil
}

func normalizeArgs(args amqp.Table) amqp.Table {
	if len(args) == 0 {
		return amqp.Table{}
	}
	return args
}

func (ch *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, ch.failLocked(amqp.NotFound, "no queue "+name)
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *fakeChannel) QueueDelete(name string, _, _, _ bool) (int, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	for _, c := range append([]*fakeConsumer(nil), q.consumers...) {
		b.removeConsumerLocked(c)
	}
	for _, m := range q.ready {
		if m.expiry != nil {
			m.expiry.Stop()
		}
	}
	for _, ex := range b.exchanges {
		for key, queues := range ex.bindings {
			kept := queues[:0]
			for _, qn := range queues {
				if qn != name {
					kept = append(kept, qn)
				}
			}
			ex.bindings[key] = kept
		}
	}
	delete(b.queues, name)
	return len(q.ready), nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		return ch.failLocked(amqp.NotFound, "no exchange "+exchange)
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(amqp.NotFound, "no queue "+name)
	}
	for _, qn := range ex.bindings[key] {
		if qn == name {
			return nil
		}
	}
	ex.bindings[key] = append(ex.bindings[key], name)
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, ch.failLocked(amqp.NotFound, "no queue "+queue)
	}

	prefetch := ch.prefetch
	if prefetch <= 0 {
		prefetch = 1000
	}
	c := &fakeConsumer{
		ch:       ch,
		tag:      consumer,
		queue:    queue,
		prefetch: prefetch,
		out:      make(chan amqp.Delivery, prefetch),
		active:   true,
	}
	ch.consumers = append(ch.consumers, c)
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)
	return c.out, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	for _, c := range ch.consumers {
		if c.tag == consumer {
			b.removeConsumerLocked(c)
		}
	}
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if b.publishErr != nil {
		return b.publishErr
	}
	if err := b.routeLocked(exchange, key, msg); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) {
			ch.closeLocked(amqpErr)
		}
		return err
	}
	return nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *fakeChannel) IsClosed() bool {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// Ack, Nack and Reject make fakeChannel the Acknowledger of its deliveries

func (ch *fakeChannel) Ack(tag uint64, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	inf, err := b.settleLocked(ch, tag)
	if err != nil {
		return err
	}
	if q, ok := b.queues[inf.queue]; ok {
		b.dispatchLocked(q)
	}
	return nil
}

func (ch *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	inf, err := b.settleLocked(ch, tag)
	if err != nil {
		return err
	}
	q, ok := b.queues[inf.queue]
	if !ok {
		return nil
	}
	if requeue {
		q.ready = append([]*fakeMessage{inf.msg}, q.ready...)
	} else {
		b.deadLetterLocked(q, inf.msg)
	}
	b.dispatchLocked(q)
	return nil
}

func (ch *fakeChannel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

var (
	_ Connection        = (*fakeConn)(nil)
	_ Channel           = (*fakeChannel)(nil)
	_ amqp.Acknowledger = (*fakeChannel)(nil)
)

var errFakeDial = errors.New("dial tcp: connection refused")

// Package jetsync is a reliability layer on top of a broker's
// persistent-stream facility (NATS JetStream). It gives applications
// publish-with-guarantee and consume-exactly-once-ish semantics on top of
// a transport whose native delivery guarantee is at-least-once.
//
// # Features
//
//   - Overlap-safe stream and subject provisioning: concurrent
//     provisioners converge, conflicting subjects are skipped, never
//     corrupted
//   - Connection lifecycle state machine with linear-backoff connect
//     retries and self-healing stream-context recovery after reconnects
//   - Durable-consumer reconciliation with delete-and-recreate on filter
//     subject drift
//   - Publisher-side transactional outbox with idempotent dispatch: a
//     sent event id is never dispatched twice
//   - Consumer-side idempotent inbox: a processed message is acked on
//     redelivery without reaching the handler
//   - Dead-letter routing for unparseable payloads and retry-exhausted
//     messages
//   - Options Pattern construction, pluggable Logger, embedded SQL
//     migrations, MySQL/PostgreSQL/SQLite repositories via Relica
//
// # Quick start
//
// Connect and provision topology:
//
//	cfg := jetsync.Config{
//	    Environment: "prod",
//	    AppName:     "billing",
//	    Destination: "crm",
//	    Servers:     []string{"nats://localhost:4222"},
//	    OutboxEnabled: true,
//	}
//
//	topo, _ := jetsync.NewTopologyProvisioner(
//	    jetsync.WithTopologyStream(cfg.StreamName(), cfg.StreamSubjects()...),
//	    jetsync.WithTopologyLogger(logger),
//	)
//	conn, _ := jetsync.NewConnectionManager(
//	    jetsync.WithConnectionConfig(cfg),
//	    jetsync.WithDialer(&natsjs.Dialer{}),
//	    jetsync.WithProvisioner(topo),
//	    jetsync.WithConnectionLogger(logger),
//	)
//	if _, err := conn.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Publish with the outbox:
//
//	repos := relica.NewRepositories(db, "mysql")
//	publisher, _ := jetsync.NewPublisher(
//	    jetsync.WithPublisherConnection(conn),
//	    jetsync.WithPublisherConfig(cfg),
//	    jetsync.WithOutboxRepository(repos.Outbox),
//	    jetsync.WithPublisherLogger(logger),
//	)
//	result := publisher.Publish(ctx, "invoice", "invoice.created",
//	    map[string]any{"invoice_id": 42})
//	if !result.OK {
//	    log.Printf("publish failed: %v", result.Err)
//	}
//
// Consume with the inbox:
//
//	consumer, _ := jetsync.NewConsumer(
//	    jetsync.WithConsumerConnection(conn),
//	    jetsync.WithConsumerConfig(cfg),
//	    jetsync.WithInboxRepository(repos.Inbox),
//	    jetsync.WithConsumerHandlerFunc(func(ctx context.Context, e *model.Envelope) error {
//	        return apply(ctx, e)
//	    }),
//	    jetsync.WithConsumerLogger(logger),
//	)
//	go consumer.Run(ctx)
//
// The broker client is an interface; production code uses broker/natsjs
// and tests use broker/membroker, which emulates the same protocol in
// memory.
package jetsync

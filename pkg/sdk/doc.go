// Package sdk provides the Endpoint, the high-level entry point for the
// EyePop worker and data APIs.
//
// # Quick Start
//
//	cfg := &config.Config{
//		APIKey:  os.Getenv("EYEPOP_API_KEY"),
//		Sandbox: true,
//	}
//	endpoint, err := sdk.NewEndpoint(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := endpoint.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer endpoint.Disconnect(context.Background())
//
//	stream, err := endpoint.Process(ctx, storage.Params{Path: "cat.jpg"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	for p, err := range stream.All(ctx) {
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(p.SourceWidth, p.SourceHeight, len(p.Objects))
//	}
//
// # Lifecycle
//
// An Endpoint moves through the states of model.State:
//
//	Idle -> Connecting -> Connected -> Disconnecting -> Disconnected
//
// A failed Connect ends in Error. When the push connection drops, a
// Connected endpoint with Config.AutoReconnect moves to Reconnecting, redials
// with exponential backoff and, once back, replays its subscriptions and
// delivers events_lost to every scope. Without AutoReconnect it moves to
// Error. OnStateChanged observers never see the same state twice in a row.
//
// API calls are accepted while Connected or Reconnecting and fail with
// model.ErrNotConnected otherwise.
//
// # Events
//
// Handlers are registered per scope (account, dataset, model, ingress):
//
//	endpoint.AddDatasetEventHandler(datasetUUID, func(ev model.Event) error {
//		if ev.ChangeType == model.ChangeEventsLost {
//			// refetch the dataset
//		}
//		return nil
//	})
//
// The first handler of a scope subscribes it on the push connection and the
// last removal unsubscribes it. Events are delivered in order, one at a
// time; a failing handler does not affect the others. Disconnect drops all
// handlers.
//
// # Jobs
//
// Process, AnalyzeDatasetVersion and TrainModel return a jobs.Stream. The
// stream yields buffered results before reporting a failed job, switches to
// polling when events were lost and releases its push handler when the
// caller stops early.
//
// # Health
//
// Healthcheck works without a connection: HTTP queries /v1/health and GRPC
// runs grpc.health.v1 against the gRPC push endpoint.
//
// # Logging
//
// The package installs a console zap logger at info level as the global
// logger. Config.Debug or SetLogLevel lowers the level; applications may
// replace the logger with zap.ReplaceGlobals.
package sdk

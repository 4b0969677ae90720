// Package realtime provides the dashboard's single owned WebSocket client.
//
// One Client holds one physical connection and layers on top of it:
//   - Session: dial, per-link read loop, bounded linear reconnection
//   - Correlator: request/response calls matched by requestId with timeouts
//   - Dispatcher: fan-out of server push updates to buffered observers
//   - Subscriptions: acknowledged live feeds, restored after reconnection
//   - StatusObservable: polled connection status for UI-style consumers
//
// Reconnection waits base*attempt before each retry and stops after the
// configured number of attempts. The status then reports Terminal until a
// caller invokes Connect again. Nothing is queued while disconnected.
//
// Example Usage:
//
//	client := realtime.New(realtime.DefaultOptions(url), logger, metrics)
//	defer client.Close()
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	data, err := client.Call(ctx, "getStations", nil)
//	updates := client.Updates(0)
//	for ev := range updates.C() {
//		logger.Info("update", zap.String("station", ev.StationID.String()))
//	}
package realtime

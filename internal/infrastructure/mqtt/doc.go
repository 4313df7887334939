// Package mqtt provides MQTT client connectivity for farmhub.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// farmhub publishes device state to MQTT so external consumers (CI
// schedulers, dashboards, alerting) can follow the device farm without
// touching the WebSocket surface. Retained state topics give new
// subscribers the current picture immediately.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Follow every device's state
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceStates(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish one device's state (retained)
//	topic := mqtt.Topics{}.DeviceState("emulator-5554")
//	client.Publish(topic, payload, 1, true)
package mqtt

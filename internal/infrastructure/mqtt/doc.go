// Package mqtt is the client side of the upstream MQTT relay.
//
// fieldlink does not use MQTT internally. When mqtt.enabled is set, every
// unified event is republished to an ordinary upstream broker so other
// systems can consume it, and commands for devices can be sent back on a
// per-device command topic. This package manages that connection:
//   - auto-reconnect with bounded backoff and subscription restoration
//   - a retained online/offline status with a Last Will for crashes
//   - publish and subscribe with QoS validation and timeouts
//
// # Topics
//
//	{prefix}/system/status                    retained status
//	{prefix}/devices/{device_id}/{transport}  relayed event envelopes
//	{prefix}/devices/{device_id}/command      inbound commands
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := client.Topics().DeviceEvent(7, "socket")
//	err = client.Publish(topic, envelope, 1, false)
package mqtt

// Package mqtt provides the MQTT connection of the cell core.
//
// The broker is the message bus between the core and its field-side
// peers: the controller gateway, which mirrors PLC bits as
// {root}/plc/state/{tag} and accepts writes on {root}/plc/command/{tag},
// and the vision detector, which publishes detection batches on
// {root}/vision/{camera}/detections.
//
// Subscriptions are restored after a reconnect, and handler failures are
// logged and counted in Stats. The core's presence is a retained Status
// message on {root}/system/status, which the broker flips to offline
// through the last will if the core vanishes without a Close.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllPLCStates(), 1,
//	    func(topic string, payload []byte) error {
//	        return nil
//	    })
package mqtt

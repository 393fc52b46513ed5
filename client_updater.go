package thermolog

// Contain the client updater, which publishes JSON-encoded messages
// giving the latest logger state on the status port.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries one message to be published on the status port:
// a tag frame naming the topic, then the JSON-encoded state.
type ClientUpdate struct {
	Tag   string
	State interface{}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket, so clients can follow connection state, live readings,
// and session lifecycle without polling the RPC server.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status publisher: %v", err)
		return
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err = pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind status publisher to %s: %v", hostname, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			message, err := json.Marshal(update.State)
			if err != nil {
				ProblemLogger.Printf("could not marshal %s update: %v", update.Tag, err)
				continue
			}
			if _, err = pubSocket.Send(update.Tag, zmq.SNDMORE); err != nil {
				continue
			}
			pubSocket.Send(string(message), 0)
		}
	}
}

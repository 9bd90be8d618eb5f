package session

import (
	"context"
	"fmt"

	"github.com/lagrange-go/lagrange/pkg/pb"
	"github.com/lagrange-go/lagrange/pkg/protocol"
)

// OidbCommand is the service name of an oidb request.
func OidbCommand(cmd, subCmd uint32) string {
	return fmt.Sprintf("%s0x%x_%d", protocol.CmdOidbPrefix, cmd, subCmd)
}

// SendOidb wraps body in the oidb envelope and returns the raw response.
func (c *Client) SendOidb(ctx context.Context, cmd, subCmd uint32, body []byte, isUid bool) ([]byte, error) {
	packet, err := pb.Encode(pb.Message{1: cmd, 2: subCmd, 4: body, 12: isUid})
	if err != nil {
		return nil, err
	}
	return c.SendAndAwait(ctx, OidbCommand(cmd, subCmd), packet, 0)
}

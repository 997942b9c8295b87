// Command rpcclient dials a target, issues one unary call through the
// channel's interceptor chain, and prints the reply and final status, as a
// diagnostic counterpart to cmd/rpcserver.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpctransport/rpctransport/pkg/interceptor"
	"github.com/rpctransport/rpctransport/pkg/observability"
	"github.com/rpctransport/rpctransport/pkg/rpc"
	"github.com/rpctransport/rpctransport/pkg/status"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		target  string
		method  string
		message string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "rpcclient",
		Short: "Dial a target and issue one unary call, printing reply and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(target, method, message, timeout)
		},
	}
	cmd.Flags().StringVar(&target, "target", "127.0.0.1:50051", "address to dial")
	cmd.Flags().StringVar(&method, "method", "/rpctransport.Echo/Say", "fully-qualified method path")
	cmd.Flags().StringVar(&message, "message", "hello", "request message body")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "call deadline")
	return cmd
}

func run(target, method, message string, timeout time.Duration) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ch := rpc.NewChannel(target, rpc.ChannelArgs{
		Interceptors: []interceptor.Interceptor{interceptor.Logging(logger)},
		CallLogger:   observability.NewLogger(logger, observability.Info),
	})
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reply, st, err := ch.Invoke(ctx, method, []byte(message), time.Now().Add(timeout))
	if err != nil {
		return fmt.Errorf("call failed: %w", err)
	}
	if !st.OK() {
		return fmt.Errorf("rpc failed: %s", st.Err())
	}

	code := status.OK
	if st != nil {
		code = st.Code
	}
	fmt.Printf("status: %s\nreply: %s\n", code, reply)
	return nil
}

// Command rpcserver runs an echo RPC server: every call's request message
// is sent back verbatim as a single response message, with the method name
// registered in a reflection.Registry so a diagnostic client can list it.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpctransport/rpctransport/pkg/interceptor"
	"github.com/rpctransport/rpctransport/pkg/observability"
	"github.com/rpctransport/rpctransport/pkg/reflection"
	"github.com/rpctransport/rpctransport/pkg/rpc"
	"github.com/rpctransport/rpctransport/pkg/server"
	"github.com/rpctransport/rpctransport/pkg/status"
)

const echoMethod = "/rpctransport.Echo/Say"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "rpcserver",
		Short: "Serve a reflection-registered echo RPC service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":50051", "address to listen on")
	return cmd
}

func run(addr string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	registry := reflection.NewRegistry()
	registry.Register(reflection.ServiceDescriptor{
		Name: "rpctransport.Echo",
		Methods: []reflection.MethodDescriptor{
			{Name: "Say"},
		},
	})

	tracer := observability.NewTracer()
	tracer.SetExporter(func(s *observability.Span) {
		logger.Debug("span finished",
			zap.String("operation", s.Operation),
			zap.String("trace_id", s.TraceID),
			zap.Duration("elapsed", s.End.Sub(s.Start)))
	})
	metrics := observability.NewRegistry(prometheus.DefaultRegisterer)

	srv := server.New(echoHandler(logger), logger)
	srv.Use(interceptor.Logging(logger))
	srv.Observe(tracer, metrics, observability.NewLogger(logger, observability.Info))
	port, err := srv.AddPort(addr, nil)
	if err != nil {
		return err
	}
	logger.Info("listening", zap.Int("port", port))

	if err := srv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	srv.Shutdown()
	return nil
}

func echoHandler(logger *zap.Logger) server.Handler {
	return func(call *rpc.Call, method string) {
		q := call.Queue()
		deadline := call.Deadline()

		if method != echoMethod {
			call.StartBatch([]rpc.Op{
				{Kind: rpc.SendInitialMetadata},
				{Kind: rpc.SendStatusFromServer, StatusCode: status.Unimplemented, StatusDetail: "unknown method " + method},
			}, "reject")
			q.Wait(deadline)
			return
		}

		var msg []byte
		if err := call.StartBatch([]rpc.Op{
			{Kind: rpc.RecvMessage, OutMessage: &msg},
			{Kind: rpc.RecvCloseOnServer},
		}, "recv"); err != nil {
			logger.Warn("recv batch failed", zap.Error(err))
			return
		}
		if ev := q.Wait(deadline); !ev.Success {
			logger.Warn("recv batch did not complete", zap.Time("deadline", deadline))
			return
		}

		if err := call.StartBatch([]rpc.Op{
			{Kind: rpc.SendInitialMetadata},
			{Kind: rpc.SendMessage, Message: msg},
			{Kind: rpc.SendStatusFromServer, StatusCode: status.OK},
		}, "reply"); err != nil {
			logger.Warn("reply batch failed", zap.Error(err))
			return
		}
		q.Wait(deadline)
	}
}

// stageserver exposes a translation stage over gRPC for a laserscan daemon
// started with stage_address. Only the simulated stage is built in; real
// controllers plug in through devices.Actuator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/laserscan/internal/devices"
	"github.com/banshee-data/laserscan/internal/devices/remote"
	"github.com/banshee-data/laserscan/internal/devices/sim"
	"github.com/banshee-data/laserscan/internal/timeutil"
	"github.com/banshee-data/laserscan/internal/version"
)

var (
	listen      = flag.String("listen", ":50051", "gRPC listen address")
	speed       = flag.Float64("speed", 0.5, "Simulated stage speed in mm/s")
	initial     = flag.Float64("position", 0, "Initial axis 1 position in mm")
	jitter      = flag.Float64("jitter", 0, "Simulated readback jitter in mm")
	verbose     = flag.Bool("v", false, "Log every RPC")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// namedStage lets Identify report what is behind the server.
type namedStage struct {
	devices.Actuator
	name string
}

func (s namedStage) Identify(context.Context) (string, error) { return s.name, nil }

func logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Printf("%s failed after %v: %v", info.FullMethod, time.Since(start), err)
	} else {
		log.Printf("%s %v", info.FullMethod, time.Since(start))
	}
	return resp, err
}

func newServer(stage devices.Actuator, logRPC bool) *grpc.Server {
	var opts []grpc.ServerOption
	if logRPC {
		opts = append(opts, grpc.UnaryInterceptor(logCalls))
	}
	srv := grpc.NewServer(opts...)
	remote.Register(srv, stage)
	return srv
}

// serve runs srv on lis until ctx is cancelled, then drains in-flight calls.
func serve(ctx context.Context, srv *grpc.Server, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("graceful stop timed out, forcing")
		srv.Stop()
	}
	return nil
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("stageserver"))
		return
	}
	if *speed <= 0 {
		log.Fatal("-speed must be positive")
	}

	stage := sim.NewStage(timeutil.RealClock{}, *speed,
		sim.WithInitialPosition(*initial), sim.WithJitter(*jitter))
	named := namedStage{Actuator: stage, name: fmt.Sprintf("simulated stage (%g mm/s)", *speed)}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", *listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("stage server listening on %s", lis.Addr())
	if err := serve(ctx, newServer(named, *verbose), lis); err != nil {
		log.Fatalf("stage server failed: %v", err)
	}
	log.Printf("stage server stopped")
}

package realtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/CzarSimon/httputil"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/dto"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	"go.uber.org/zap"
)

// RelayAllocator assigns call channels to the least loaded relay server.
type RelayAllocator struct {
	RPCProtocol    string
	RelayPort      int
	RegistryClient serviceregistry.Client
	TurnClient     turnserver.Client
}

// Allocate returns the host:port of the relay server a new channel should use.
func (a *RelayAllocator) Allocate(ctx context.Context) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "realtime.RelayAllocator.Allocate")
	defer span.Finish()

	services, err := a.RegistryClient.FindByApplication(ctx, "turn-server", true)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return "", httputil.BadGatewayError(err)
	}

	best, err := a.findBestTurnServer(ctx, services)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return "", err
	}

	span.LogFields(tracelog.Bool("success", true))
	return fmt.Sprintf("%s:%d", best.Location, a.RelayPort), nil
}

func (a *RelayAllocator) findBestTurnServer(ctx context.Context, services []dto.Service) (dto.Service, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "realtime.RelayAllocator.findBestTurnServer")
	defer span.Finish()

	connections := make([]uint64, len(services))
	wg := sync.WaitGroup{}

	for i := range services {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			svc := services[idx]
			url := fmt.Sprintf("%s://%s:%d", a.RPCProtocol, svc.Location, svc.Port)
			stats, err := a.TurnClient.GetStatistics(ctx, url)
			if err != nil {
				log.Warn("failed to gather statistics from "+url, zap.Error(err))
				span.LogFields(tracelog.String("candidate", url), tracelog.Error(err))
				connections[idx] = math.MaxUint64
			} else {
				connections[idx] = stats.InProgress()
			}
		}(i)
	}
	wg.Wait()

	var best dto.Service
	var least uint64 = math.MaxUint64
	for i, conns := range connections {
		if conns < least {
			least = conns
			best = services[i]
		}
	}

	if best.ID == "" {
		err := httputil.InternalServerError(errors.New("no turn-server found"))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return dto.Service{}, err
	}

	span.LogFields(tracelog.Bool("success", true))
	return best, nil
}

// Candidates ICE candidates of a relay server, empty when no relay is assigned.
func Candidates(relay, username string) (models.TurnCandidate, models.StunCandidate) {
	if relay == "" {
		return models.TurnCandidate{}, models.StunCandidate{}
	}

	return models.TurnCandidate{URL: "turn:" + relay, Username: username}, models.StunCandidate{URL: "stun:" + relay}
}

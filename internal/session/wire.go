package session

import (
	"context"
	"errors"

	"github.com/Seonggyu05/infinite-introverts/internal/position"
	"github.com/Seonggyu05/infinite-introverts/pkg/streaming"
)

var errPublishDropped = errors.New("publish dropped")

// wire adapts a Transport to the position manager's collaborators.
type wire struct {
	t Transport
}

func (w wire) BroadcastPosition(_ context.Context, p position.Position) error {
	ok := w.t.Publish(streaming.ChannelMovements, streaming.EventPositionUpdate, streaming.Position{
		EntityID:  p.EntityID,
		X:         p.X,
		Y:         p.Y,
		UpdatedAt: p.UpdatedAt,
	})
	if !ok {
		return errPublishDropped
	}
	return nil
}

func (w wire) SavePosition(ctx context.Context, p position.Position) error {
	return w.t.Call(ctx, streaming.MethodPositionsSave, streaming.SavePositionParams{X: p.X, Y: p.Y}, nil)
}

func (w wire) FetchPositions(ctx context.Context) ([]position.Position, error) {
	var rows []streaming.Position
	if err := w.t.Call(ctx, streaming.MethodPositionsList, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]position.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, position.Position{EntityID: r.EntityID, X: r.X, Y: r.Y, UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}

package rewards

import (
	"context"
	"fmt"

	"ms-advent/internal/logger"
	"ms-advent/internal/models"
	"ms-advent/internal/rewards/qr"
)

// Ledger is the durable reward store the issuer decorates.
type Ledger interface {
	CountRewards(ctx context.Context) (int, error)
	RemainingBudget(ctx context.Context) (int, error)
	ReserveAndCreate(ctx context.Context, reward *models.Reward) error
	Release(ctx context.Context, rewardID string) error
	FindReward(ctx context.Context, userID string, day int) (*models.Reward, error)
}

// Issuer wraps a reward ledger so every persisted win carries its QR code.
// Announcing the win on the event stream is not its job: the reservation
// can still be released by a lost outcome race, so the draw engine publishes
// only after the won outcome commits.
type Issuer struct {
	Ledger Ledger
	QR     *qr.QRGenerator
	Logger *logger.Logger
}

func NewIssuer(ledger Ledger, qrGen *qr.QRGenerator, log *logger.Logger) *Issuer {
	return &Issuer{Ledger: ledger, QR: qrGen, Logger: log}
}

func (i *Issuer) ReserveAndCreate(ctx context.Context, reward *models.Reward) error {
	if i.QR != nil {
		qrBytes, err := i.QR.GenerateEncryptedQR(*reward)
		if err != nil {
			return fmt.Errorf("generate QR for reward %s: %w", reward.RewardID, err)
		}
		reward.QRCode = qrBytes
	}

	return i.Ledger.ReserveAndCreate(ctx, reward)
}

func (i *Issuer) CountRewards(ctx context.Context) (int, error) {
	return i.Ledger.CountRewards(ctx)
}

func (i *Issuer) RemainingBudget(ctx context.Context) (int, error) {
	return i.Ledger.RemainingBudget(ctx)
}

func (i *Issuer) Release(ctx context.Context, rewardID string) error {
	return i.Ledger.Release(ctx, rewardID)
}

func (i *Issuer) FindReward(ctx context.Context, userID string, day int) (*models.Reward, error) {
	return i.Ledger.FindReward(ctx, userID, day)
}

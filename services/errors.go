package services

import "errors"

var (
	ErrNotFound                      = errors.New("not found")
	ErrInvalidInput                  = errors.New("invalid input")
	ErrCampaignNotAcceptingDonations = errors.New("campaign not accepting donations")
	ErrGateway                       = errors.New("payment gateway error")
	ErrPaymentVerificationFailed     = errors.New("payment verification failed")
	ErrIntegrity                     = errors.New("ledger integrity error")
	ErrInvalidTransition             = errors.New("invalid donation status transition")
)

package engine

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/vreid/speedduel/internal/pkg/auth"
	"github.com/vreid/speedduel/internal/pkg/bank"
	"github.com/vreid/speedduel/internal/pkg/duel"
	"github.com/vreid/speedduel/internal/pkg/ledger"
)

func (s *EngineService) handleCreateDuel(c echo.Context) error {
	var req createDuelRequest

	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	snap, err := s.CreateDuel(auth.Player(c), req.Stake)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, snap)
}

func (s *EngineService) handleJoinDuel(c echo.Context) error {
	id, err := duelID(c)
	if err != nil {
		return err
	}

	var req joinDuelRequest

	err = c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	snap, err := s.JoinDuel(auth.Player(c), id, req.Stake)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, snap)
}

func (s *EngineService) handleCommitMove(c echo.Context) error {
	id, err := duelID(c)
	if err != nil {
		return err
	}

	var req commitMoveRequest

	err = c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	snap, err := s.CommitMove(auth.Player(c), id, req.Digest)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, snap)
}

func (s *EngineService) handleRevealMove(c echo.Context) error {
	return s.handleMoveWithSecret(c, s.RevealMove)
}

func (s *EngineService) handleQuickMove(c echo.Context) error {
	return s.handleMoveWithSecret(c, s.QuickMove)
}

func (s *EngineService) handleMoveWithSecret(
	c echo.Context,
	op func(caller string, id uint64, move duel.Move, secret []byte) (duel.Snapshot, error),
) error {
	id, err := duelID(c)
	if err != nil {
		return err
	}

	var req revealMoveRequest

	err = c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	secret, err := hex.DecodeString(req.Secret)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "secret must be hex encoded")
	}

	snap, err := op(auth.Player(c), id, duel.Move(req.Move), secret)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, snap)
}

func (s *EngineService) handleCancelDuel(c echo.Context) error {
	id, err := duelID(c)
	if err != nil {
		return err
	}

	snap, err := s.CancelDuel(auth.Player(c), id)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, snap)
}

func (s *EngineService) handleWithdraw(c echo.Context) error {
	amount, err := s.Withdraw(auth.Player(c))
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, withdrawResponse{Amount: amount})
}

func (s *EngineService) handleGetDuel(c echo.Context) error {
	id, err := duelID(c)
	if err != nil {
		return err
	}

	snap, err := s.GetDuel(id)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, snap)
}

func (s *EngineService) handleOpenDuels(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	ids, err := s.OpenDuels(limit, offset)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, openDuelsResponse{Duels: ids})
}

func (s *EngineService) handlePlayerStats(c echo.Context) error {
	record, err := s.PlayerStats(c.Param("address"))
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, record)
}

func duelID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid duel id")
	}

	return id, nil
}

// httpError translates the engine's error taxonomy: validation 400,
// wrong-caller 403, conflicts 409, funding 402, bad reveals 422, broken
// invariants 500.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrDuelNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrStakeOutOfRange),
		errors.Is(err, ErrInvalidDigest),
		errors.Is(err, duel.ErrInvalidMove),
		errors.Is(err, duel.ErrStakeMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, duel.ErrSelfJoin),
		errors.Is(err, duel.ErrNotParticipant):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, bank.ErrInsufficientFunds):
		return echo.NewHTTPError(http.StatusPaymentRequired, err.Error())
	case errors.Is(err, duel.ErrCommitmentMismatch):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, duel.ErrNotOpen),
		errors.Is(err, duel.ErrWrongPhase),
		errors.Is(err, duel.ErrAlreadyCommitted),
		errors.Is(err, duel.ErrNotCommitted),
		errors.Is(err, duel.ErrAlreadyRevealed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrLedgerInvariant):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

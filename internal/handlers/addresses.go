package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/models"
	"github.com/mossy-p/rtcnet/internal/relay"
)

// Addresses serves the address API for a relay's exclusive and shared hubs.
// Both hubs are expected to use the same registry.
type Addresses struct {
	Exclusive *relay.Hub
	Shared    *relay.Hub
	log       logging.LeveledLogger
}

func NewAddresses(exclusive, shared *relay.Hub, factory logging.LoggerFactory) *Addresses {
	return &Addresses{
		Exclusive: exclusive,
		Shared:    shared,
		log:       factory.NewLogger("handlers"),
	}
}

// GetAddress reports who listens on an address (public)
func (a *Addresses) GetAddress(c *gin.Context) {
	address := c.Param("address")

	record, found, err := a.Exclusive.Lookup(c.Request.Context(), address)
	if err != nil {
		a.log.Errorf("looking up %q: %v", address, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up address"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Address not found"})
		return
	}

	c.JSON(http.StatusOK, models.AddressInfo{
		Address:     address,
		Shared:      record.Shared,
		Members:     record.Members,
		MemberCount: len(record.Members),
		CheckedAt:   time.Now().UTC(),
	})
}

// DeleteAddress stops every listener on an address (requires authentication)
func (a *Addresses) DeleteAddress(c *gin.Context) {
	address := c.Param("address")

	closed := a.Exclusive.CloseAddress(address) + a.Shared.CloseAddress(address)
	if closed == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Address not found"})
		return
	}

	a.log.Infof("address %q closed by user %q, %d listeners stopped", address, c.GetString("user_id"), closed)
	c.JSON(http.StatusOK, models.CloseAddressResponse{
		Address: address,
		Closed:  closed,
	})
}

package erpcgo

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test000_config_defaults_are_valid_once_listen_addr_set(t *testing.T) {
	cv.Convey("NewConfig should return sane defaults that validate once ListenAddr is set", t, func() {
		cfg := NewConfig()
		cfg.ListenAddr = "127.0.0.1:0"
		cv.So(cfg.validate(), cv.ShouldBeNil)
		cv.So(cfg.SessionCredits, cv.ShouldEqual, 8)
		cv.So(cfg.PacingEnabled, cv.ShouldBeTrue)
	})
}

func Test001_config_rejects_non_power_of_two_credits(t *testing.T) {
	cv.Convey("validate should reject a SessionCredits that is not a power of two", t, func() {
		cfg := NewConfig()
		cfg.ListenAddr = "127.0.0.1:0"
		cfg.SessionCredits = 7
		cv.So(cfg.validate(), cv.ShouldNotBeNil)
	})
}

func Test002_config_rejects_max_msg_size_below_max_data_per_pkt(t *testing.T) {
	cv.Convey("validate should reject MaxMsgSize smaller than MaxDataPerPkt", t, func() {
		cfg := NewConfig()
		cfg.ListenAddr = "127.0.0.1:0"
		cfg.MaxMsgSize = cfg.MaxDataPerPkt - 1
		cv.So(cfg.validate(), cv.ShouldNotBeNil)
	})
}

func Test003_config_rejects_missing_listen_addr(t *testing.T) {
	cv.Convey("validate should reject an empty ListenAddr", t, func() {
		cfg := NewConfig()
		cv.So(cfg.validate(), cv.ShouldNotBeNil)
	})
}

package jobrunner

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

const DEFAULT_MEMINFO_PATH = "/proc/meminfo"

/**
how many locally executed jobs fit in the given memory, capped by maxJobs when that is set
*/
func Capacity(availableMemoryMB int64, perJobMinMemoryMB int64, maxJobs int64) int64 {
	if perJobMinMemoryMB <= 0 {
		return 0
	}
	capacity := availableMemoryMB / perJobMinMemoryMB
	if capacity < 0 {
		capacity = 0
	}
	if maxJobs > 0 && capacity > maxJobs {
		capacity = maxJobs
	}
	return capacity
}

/**
AdmissionController decides whether another locally executed job may start. The running count lives in
the shared store so every orchestrator instance sees the same number; two instances checking at the
same moment may over-admit by one.
*/
type AdmissionController struct {
	redisClient  redis.Cmdable
	conf         helpers.AdmissionConfig
	memInfoPath  string
	countedModes []models.RunMode
}

func NewAdmissionController(redisClient redis.Cmdable, conf helpers.AdmissionConfig) *AdmissionController {
	return &AdmissionController{
		redisClient:  redisClient,
		conf:         conf,
		memInfoPath:  DEFAULT_MEMINFO_PATH,
		countedModes: []models.RunMode{models.RUN_MODE_PROCESS, models.RUN_MODE_LEGACY},
	}
}

/**
true if jobs of this run mode use the orchestrator host's memory and so need admitting
*/
func (a *AdmissionController) Governs(mode models.RunMode) bool {
	for _, m := range a.countedModes {
		if m == mode {
			return true
		}
	}
	return false
}

/**
reads MemAvailable from a meminfo-format file, in megabytes
*/
func readMemAvailableMB(path string) (int64, error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		return 0, openErr
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemAvailable:" {
			continue
		}
		kb, parseErr := strconv.ParseInt(fields[1], 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("bad MemAvailable line in %s: %w", path, parseErr)
		}
		return kb / 1024, nil
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return 0, scanErr
	}
	return 0, fmt.Errorf("no MemAvailable line in %s", path)
}

func (a *AdmissionController) AvailableMemoryMB() (int64, error) {
	if a.conf.AvailableMemoryMB > 0 {
		return a.conf.AvailableMemoryMB, nil
	}
	return readMemAvailableMB(a.memInfoPath)
}

func (a *AdmissionController) Capacity() (int64, error) {
	available, memErr := a.AvailableMemoryMB()
	if memErr != nil {
		log.Errorf("could not determine available memory: %s", memErr)
		return 0, memErr
	}
	return Capacity(available, a.conf.PerJobMinMemoryMB, a.conf.MaxJobs), nil
}

/**
the number of admitted, unfinished jobs this controller governs
*/
func (a *AdmissionController) Running() (int64, error) {
	var total int64
	for _, mode := range a.countedModes {
		count, err := models.CountRunningJobsByRunMode(a.redisClient, mode)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

/**
true if one more job may be admitted right now. A false return comes with a *CapacityExceeded
error describing the numbers, so callers can log it or hand it back.
*/
func (a *AdmissionController) TryAcquire() (bool, error) {
	capacity, capErr := a.Capacity()
	if capErr != nil {
		return false, capErr
	}
	running, countErr := a.Running()
	if countErr != nil {
		return false, countErr
	}
	if running >= capacity {
		return false, &models.CapacityExceeded{Running: running, Capacity: capacity}
	}
	return true, nil
}

package ledger

const (
	luaAppendBatch = `
		-- Atomically check every stream's tail, then append to all of them
		-- KEYS[1] = global position counter
		-- KEYS[2] = $all index (sorted set by global position)
		-- KEYS[2i+1], KEYS[2i+2] = stream list and category index of request i
		-- ARGV[1] = request count
		-- then per request: expected tail, message count, messages (JSON)
		-- Returns: {1, firstGlobal} or {0, request, actualTail, missed}

		local count = tonumber(ARGV[1])
		local reqs = {}
		local total = 0
		local arg = 2

		for i = 1, count do
			local listKey = KEYS[2 * i + 1]
			local expected = tonumber(ARGV[arg])
			local n = tonumber(ARGV[arg + 1])
			local tail = redis.call('LLEN', listKey) - 1

			if expected ~= tail then
				local missed = {}
				if expected < tail then
					missed = redis.call('LRANGE', listKey, expected + 1, -1)
				end
				return {0, i, tail, missed}
			end

			reqs[i] = {listKey, KEYS[2 * i + 2], arg + 2, n}
			total = total + n
			arg = arg + 2 + n
		end

		local g = redis.call('INCRBY', KEYS[1], total) - total
		local first = g + 1

		for i = 1, count do
			local r = reqs[i]
			for j = r[3], r[3] + r[4] - 1 do
				g = g + 1
				local body = '{"global_position":' .. g .. ',' ..
					string.sub(ARGV[j], 2)
				redis.call('RPUSH', r[1], body)
				redis.call('ZADD', r[2], g, body)
				redis.call('ZADD', KEYS[2], g, body)
			end
		end

		return {1, first}
		`

	luaPutSnapshot = `
		-- Atomically save snapshot only if its position is past the stored one
		-- KEYS[1] = snapshot key
		-- KEYS[2] = snapshot position key
		-- ARGV[1] = snapshot data
		-- ARGV[2] = snapshot position

		local newPos = tonumber(ARGV[2])
		local storedPos = redis.call('GET', KEYS[2])

		if storedPos and newPos <= tonumber(storedPos) then
			return 0
		end

		redis.call('SET', KEYS[1], ARGV[1])
		redis.call('SET', KEYS[2], newPos)
		return 1
		`

	luaConsumeOutbox = `
		-- Atomically acknowledge and delete a stream entry
		-- KEYS[1] = stream key
		-- ARGV[1] = consumer group
		-- ARGV[2] = stream entry ID
		-- Returns: {ackCount, delCount}

		local acked = redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
		local deleted = redis.call('XDEL', KEYS[1], ARGV[2])
		return {acked, deleted}
		`
)
